// Package units converts the metric values served by the gateway into the
// user's display unit.
package units

import (
	"fmt"
	"math"
	"strings"

	"github.com/kjstillabower/weatherdash/internal/models"
)

const (
	mpsToKmh = 3.6
	mpsToMph = 2.237
)

// CelsiusToFahrenheit converts a Celsius temperature.
func CelsiusToFahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

// Temperature returns tempCelsius in the given unit.
func Temperature(tempCelsius float64, unit models.Unit) float64 {
	if unit == models.UnitImperial {
		return CelsiusToFahrenheit(tempCelsius)
	}
	return tempCelsius
}

// FormatTemp renders a rounded temperature with a degree sign, e.g. "72°".
func FormatTemp(tempCelsius float64, unit models.Unit) string {
	return fmt.Sprintf("%d°", round(Temperature(tempCelsius, unit)))
}

// FormatTempWithUnit renders a rounded temperature with its unit, e.g. "22°C".
func FormatTempWithUnit(tempCelsius float64, unit models.Unit) string {
	suffix := "C"
	if unit == models.UnitImperial {
		suffix = "F"
	}
	return fmt.Sprintf("%d°%s", round(Temperature(tempCelsius, unit)), suffix)
}

// FormatWindSpeed renders a wind speed given in meters/second as km/h or mph.
func FormatWindSpeed(mps float64, unit models.Unit) string {
	if unit == models.UnitImperial {
		return fmt.Sprintf("%d mph", round(mps*mpsToMph))
	}
	return fmt.Sprintf("%d km/h", round(mps*mpsToKmh))
}

// ParseUnit maps user input to a Unit. Anything unrecognised is metric.
func ParseUnit(s string) models.Unit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imperial", "f", "fahrenheit":
		return models.UnitImperial
	default:
		return models.UnitMetric
	}
}

// round matches JavaScript Math.round: halves go toward +Inf.
func round(v float64) int {
	return int(math.Floor(v + 0.5))
}
