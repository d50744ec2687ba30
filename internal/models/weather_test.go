package models

import "testing"

func TestSameCity(t *testing.T) {
	tests := []struct {
		name string
		a, b City
		want bool
	}{
		{"identical", City{Name: "Paris", Lat: 48.8566, Lon: 2.3522}, City{Name: "paris", Lat: 48.8566, Lon: 2.3522}, true},
		{"within bucket", City{Lat: 48.856, Lon: 2.352}, City{Lat: 48.8589, Lon: 2.3549}, true},
		{"lat differs", City{Lat: 48.85, Lon: 2.35}, City{Lat: 48.87, Lon: 2.35}, false},
		{"lon differs", City{Lat: 48.85, Lon: 2.35}, City{Lat: 48.85, Lon: 2.37}, false},
		{"negative half rounds up", City{Lat: -0.125, Lon: 0}, City{Lat: -0.12, Lon: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameCity(tt.a, tt.b); got != tt.want {
				t.Errorf("SameCity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGeocodingResult_City(t *testing.T) {
	g := GeocodingResult{Name: "Springfield", Lat: 39.8, Lon: -89.6, Country: "US", State: "Illinois"}
	c := g.City()
	if c.Name != "Springfield" || c.State != "Illinois" || c.Coordinates() != (Coordinates{Lat: 39.8, Lon: -89.6}) {
		t.Errorf("City() = %+v", c)
	}
}
