package models

import (
	"encoding/json"
	"math"
)

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Unit is the temperature/wind unit preference.
type Unit string

const (
	UnitMetric   Unit = "metric"
	UnitImperial Unit = "imperial"
)

// City is a geocoded place the user selected.
type City struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state,omitempty"`
}

// Coordinates returns the city's position.
func (c City) Coordinates() Coordinates {
	return Coordinates{Lat: c.Lat, Lon: c.Lon}
}

// SamePlace reports whether two positions share the same rounded-coordinate
// identity: latitude and longitude each rounded to two decimals. Names are ignored.
func SamePlace(lat1, lon1, lat2, lon2 float64) bool {
	return bucket(lat1) == bucket(lat2) && bucket(lon1) == bucket(lon2)
}

// SameCity reports whether a and b share the same rounded-coordinate identity.
func SameCity(a, b City) bool {
	return SamePlace(a.Lat, a.Lon, b.Lat, b.Lon)
}

// bucket rounds half toward +Inf so -0.125 and -0.12 share a bucket.
func bucket(v float64) int64 {
	return int64(math.Floor(v*100 + 0.5))
}

// Condition is one upstream weather condition descriptor.
type Condition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// ForecastMain holds the temperature block of a forecast sample. Temperatures are Celsius.
type ForecastMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Humidity  int     `json:"humidity"`
	Pressure  int     `json:"pressure"`
}

// Wind speeds are meters/second.
type Wind struct {
	Speed float64 `json:"speed"`
	Deg   int     `json:"deg"`
	Gust  float64 `json:"gust,omitempty"`
}

// ForecastItem is one 3-hour sample of the upstream forecast resource.
type ForecastItem struct {
	Dt      int64        `json:"dt"`
	Main    ForecastMain `json:"main"`
	Weather []Condition  `json:"weather"`
	Wind    Wind         `json:"wind"`
	Pop     float64      `json:"pop"`
	DtTxt   string       `json:"dt_txt"`
}

// ForecastResponse is the upstream forecast payload.
type ForecastResponse struct {
	List []ForecastItem `json:"list"`
	City struct {
		Name     string      `json:"name"`
		Country  string      `json:"country"`
		Coord    Coordinates `json:"coord"`
		Timezone int         `json:"timezone"`
		Sunrise  int64       `json:"sunrise"`
		Sunset   int64       `json:"sunset"`
	} `json:"city"`
}

// CurrentWeather is the upstream current-conditions payload.
type CurrentWeather struct {
	Weather []Condition  `json:"weather"`
	Main    ForecastMain `json:"main"`
	Wind    Wind         `json:"wind"`
	Clouds  struct {
		All int `json:"all"`
	} `json:"clouds"`
	Visibility int    `json:"visibility"`
	Dt         int64  `json:"dt"`
	Name       string `json:"name"`
	Sys        struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Coord Coordinates `json:"coord"`
}

// GeocodingResult is one entry of the upstream geocoding array.
type GeocodingResult struct {
	Name       string            `json:"name"`
	LocalNames map[string]string `json:"local_names,omitempty"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Country    string            `json:"country"`
	State      string            `json:"state,omitempty"`
}

// City converts a geocoding result into a selectable city.
func (g GeocodingResult) City() City {
	return City{Name: g.Name, Lat: g.Lat, Lon: g.Lon, Country: g.Country, State: g.State}
}

// DailyForecast is one day reduced from the 3-hour forecast samples.
// TempMin and TempMax are Celsius.
type DailyForecast struct {
	Date          string  `json:"date"`
	DateISO       string  `json:"dateISO"`
	TempMin       float64 `json:"tempMin"`
	TempMax       float64 `json:"tempMax"`
	ConditionID   int     `json:"conditionId"`
	ConditionMain string  `json:"conditionMain"`
	ConditionIcon string  `json:"conditionIcon"`
	Humidity      int     `json:"humidity"`
}

// HourlyPoint is one raw forecast sample projected for the temperature trend.
type HourlyPoint struct {
	Dt    int64   `json:"dt"`
	Temp  float64 `json:"temp"`
	Label string  `json:"label"`
}

// Payload is an upstream response body passed through verbatim.
type Payload = json.RawMessage
