package dashboard

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kjstillabower/weatherdash/internal/models"
	"github.com/kjstillabower/weatherdash/internal/units"
)

// maxTrendPoints caps the hourly trend lines printed.
const maxTrendPoints = 8

// Render writes a plain-text dashboard for v.
func Render(w io.Writer, v *View) error {
	var b strings.Builder

	name := "Current location"
	switch {
	case v.City != nil:
		name = cityLabel(*v.City)
	case v.Current != nil && v.Current.Name != "":
		name = v.Current.Name
	}
	fmt.Fprintf(&b, "%s  (%.4f, %.4f)  [%s]\n", name, v.Coords.Lat, v.Coords.Lon, v.Theme)

	if c := v.Current; c != nil {
		desc := ""
		if len(c.Weather) > 0 {
			desc = c.Weather[0].Description
		}
		fmt.Fprintf(&b, "Now: %s %s, feels like %s, humidity %d%%, wind %s\n",
			units.FormatTempWithUnit(c.Main.Temp, v.Unit),
			desc,
			units.FormatTemp(c.Main.FeelsLike, v.Unit),
			c.Main.Humidity,
			units.FormatWindSpeed(c.Wind.Speed, v.Unit),
		)
	}

	if len(v.Daily) > 0 {
		b.WriteString("\nForecast\n")
		for _, d := range v.Daily {
			fmt.Fprintf(&b, "  %-5s %5s / %-5s %-12s %3d%%\n",
				d.Date,
				units.FormatTemp(d.TempMax, v.Unit),
				units.FormatTemp(d.TempMin, v.Unit),
				d.ConditionMain,
				d.Humidity,
			)
		}
	}

	if len(v.Hourly) > 0 {
		b.WriteString("\nTrend\n")
		for _, p := range v.Hourly[:min(len(v.Hourly), maxTrendPoints)] {
			fmt.Fprintf(&b, "  %-9s %s\n", p.Label, units.FormatTemp(p.Temp, v.Unit))
		}
	}

	fmt.Fprintf(&b, "\nUpdated %s\n", v.LoadedAt.UTC().Format(time.RFC3339))
	_, err := io.WriteString(w, b.String())
	return err
}

func cityLabel(c models.City) string {
	parts := []string{c.Name}
	if c.State != "" {
		parts = append(parts, c.State)
	}
	if c.Country != "" {
		parts = append(parts, c.Country)
	}
	return strings.Join(parts, ", ")
}
