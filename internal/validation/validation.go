// Package validation checks gateway query parameters. Every failure is an
// *InputError whose Message is safe to return to the caller verbatim.
package validation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	ErrCoordinatesMissing = errors.New("lat/lon missing or not numeric")
	ErrCoordinatesRange   = errors.New("coordinates out of range")
	ErrInvalidType        = errors.New("invalid weather type")
	ErrQueryTooShort      = errors.New("query too short")
	ErrQueryTooLong       = errors.New("query too long")
	ErrQueryEmpty         = errors.New("query empty after sanitising")
)

// InputError is a caller mistake. Kind is one of the sentinels above.
type InputError struct {
	Kind    error
	Message string
}

func (e *InputError) Error() string { return e.Message }
func (e *InputError) Unwrap() error { return e.Kind }

// WeatherType selects the upstream weather resource.
type WeatherType string

const (
	TypeCurrent  WeatherType = "current"
	TypeForecast WeatherType = "forecast"
)

// WeatherQuery is a validated /weather request.
type WeatherQuery struct {
	Lat  float64     `validate:"latitude"`
	Lon  float64     `validate:"longitude"`
	Type WeatherType `validate:"oneof=current forecast"`
}

// ParseWeatherQuery validates raw lat, lon and type values in order:
// presence and parseability, then range, then type. The first failure wins.
// Callers pass "current" for typ when the parameter is absent.
func ParseWeatherQuery(latRaw, lonRaw, typ string) (WeatherQuery, error) {
	lat, latOK := parseNumber(latRaw)
	lon, lonOK := parseNumber(lonRaw)
	if !latOK || !lonOK {
		return WeatherQuery{}, &InputError{Kind: ErrCoordinatesMissing, Message: "Valid lat and lon parameters are required"}
	}

	q := WeatherQuery{Lat: lat, Lon: lon, Type: WeatherType(typ)}
	if math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return WeatherQuery{}, errCoordinatesRange
	}
	if err := validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return WeatherQuery{}, fmt.Errorf("validate weather query: %w", err)
		}
		for _, fe := range verrs {
			if fe.Field() == "Lat" || fe.Field() == "Lon" {
				return WeatherQuery{}, errCoordinatesRange
			}
		}
		return WeatherQuery{}, &InputError{Kind: ErrInvalidType, Message: `Type must be "current" or "forecast"`}
	}
	return q, nil
}

var errCoordinatesRange = &InputError{Kind: ErrCoordinatesRange, Message: "Coordinates out of valid range"}

// parseNumber accepts a trimmed decimal number. NaN is rejected here; infinities
// parse and are caught by the range check.
func parseNumber(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

var markup = regexp.MustCompile(`<[^>]*>`)

// SanitizeQuery strips markup-like substrings and trims the result.
func SanitizeQuery(s string) string {
	return strings.TrimSpace(markup.ReplaceAllString(s, ""))
}

// ValidateSearchQuery trims raw and checks its length (in characters) against
// minLen and maxLen before sanitising. Returns the sanitised query.
func ValidateSearchQuery(raw string, minLen, maxLen int) (string, error) {
	q := strings.TrimSpace(raw)
	if err := validate.Var(q, fmt.Sprintf("min=%d", minLen)); err != nil {
		return "", &InputError{Kind: ErrQueryTooShort, Message: fmt.Sprintf("Search query must be at least %d characters", minLen)}
	}
	if err := validate.Var(q, fmt.Sprintf("max=%d", maxLen)); err != nil {
		return "", &InputError{Kind: ErrQueryTooLong, Message: fmt.Sprintf("Search query must be under %d characters", maxLen)}
	}
	sanitized := SanitizeQuery(q)
	if sanitized == "" {
		return "", &InputError{Kind: ErrQueryEmpty, Message: "Invalid search query"}
	}
	return sanitized, nil
}
