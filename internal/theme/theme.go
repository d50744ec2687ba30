// Package theme picks the dashboard's weather theme from an upstream condition.
package theme

import "strings"

// Key identifies a weather theme.
type Key string

const (
	ClearDay     Key = "clear-day"
	ClearNight   Key = "clear-night"
	Clouds       Key = "clouds"
	Rain         Key = "rain"
	Drizzle      Key = "drizzle"
	Thunderstorm Key = "thunderstorm"
	Snow         Key = "snow"
	Atmosphere   Key = "atmosphere"
)

// Preference is the persisted light/dark choice.
type Preference string

const (
	PreferenceSystem Preference = "system"
	PreferenceLight  Preference = "light"
	PreferenceDark   Preference = "dark"
)

// FromCondition maps an OpenWeatherMap condition id to a theme. Icons ending
// in "n" select the night variant for clear skies.
func FromCondition(conditionID int, icon string) Key {
	switch {
	case conditionID >= 200 && conditionID < 300:
		return Thunderstorm
	case conditionID >= 300 && conditionID < 400:
		return Drizzle
	case conditionID >= 500 && conditionID < 600:
		return Rain
	case conditionID >= 600 && conditionID < 700:
		return Snow
	case conditionID >= 700 && conditionID < 800:
		return Atmosphere
	case conditionID == 800:
		if strings.HasSuffix(icon, "n") {
			return ClearNight
		}
		return ClearDay
	default:
		return Clouds
	}
}

// ParsePreference maps a stored value to a Preference. Unknown values are system.
func ParsePreference(s string) Preference {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case PreferenceLight, PreferenceDark:
		return p
	default:
		return PreferenceSystem
	}
}
