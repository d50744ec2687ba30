// Package forecast reduces the upstream 3-hour forecast samples into the
// daily summaries and hourly trend points the dashboard renders.
package forecast

import (
	"iter"
	"math"
	"time"

	"github.com/kjstillabower/weatherdash/internal/models"
)

// MaxDays caps the number of daily summaries.
const MaxDays = 5

// TodayLabel replaces the weekday name for the current UTC date.
const TodayLabel = "Today"

const (
	isoDateLayout = "2006-01-02"
	weekdayLayout = "Mon"
	hourLayout    = "Mon 3 PM"
)

// dayGroup accumulates the samples that fall on one UTC calendar date.
type dayGroup struct {
	dateISO    string
	firstDt    int64
	temps      []float64
	conditions []models.Condition
	humidities []int
}

// AggregateToDays groups samples by UTC calendar date and reduces each group
// to one DailyForecast. Groups keep first-seen order and at most MaxDays are
// returned.
//
// TempMin and TempMax are taken over the pooled temp_min AND temp_max readings
// of every sample in the day, not over the instantaneous temperature. Samples
// without a condition descriptor are skipped. Empty input yields an empty slice.
func AggregateToDays(items []models.ForecastItem, now time.Time) []models.DailyForecast {
	var groups []*dayGroup
	index := make(map[string]*dayGroup)

	for _, item := range items {
		if len(item.Weather) == 0 {
			continue
		}
		key := isoDate(item.Dt)
		g, ok := index[key]
		if !ok {
			g = &dayGroup{dateISO: key, firstDt: item.Dt}
			index[key] = g
			groups = append(groups, g)
		}
		g.temps = append(g.temps, item.Main.TempMin, item.Main.TempMax)
		g.conditions = append(g.conditions, item.Weather[0])
		g.humidities = append(g.humidities, item.Main.Humidity)
	}

	if len(groups) > MaxDays {
		groups = groups[:MaxDays]
	}

	today := now.UTC().Format(isoDateLayout)
	out := make([]models.DailyForecast, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.reduce(today))
	}
	return out
}

func (g *dayGroup) reduce(today string) models.DailyForecast {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range g.temps {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}

	mains := make([]string, len(g.conditions))
	for i, c := range g.conditions {
		mains[i] = c.Main
	}
	dominant, _ := MostFrequent(mains)
	var cond models.Condition
	for _, c := range g.conditions {
		if c.Main == dominant {
			cond = c
			break
		}
	}

	sum := 0
	for _, h := range g.humidities {
		sum += h
	}
	humidity := int(math.Round(float64(sum) / float64(len(g.humidities))))

	label := time.Unix(g.firstDt, 0).UTC().Format(weekdayLayout)
	if g.dateISO == today {
		label = TodayLabel
	}

	return models.DailyForecast{
		Date:          label,
		DateISO:       g.dateISO,
		TempMin:       lo,
		TempMax:       hi,
		ConditionID:   cond.ID,
		ConditionMain: cond.Main,
		ConditionIcon: cond.Icon,
		Humidity:      humidity,
	}
}

// MostFrequent returns the value with the highest occurrence count in one pass.
// The best-so-far value only changes on a strict count increase, so the first
// value to reach the winning count wins ties. ok is false for empty input.
func MostFrequent[T comparable](values []T) (best T, ok bool) {
	counts := make(map[T]int, len(values))
	bestCount := 0
	for _, v := range values {
		counts[v]++
		if counts[v] > bestCount {
			bestCount = counts[v]
			best = v
			ok = true
		}
	}
	return best, ok
}

// HourlyPoints lazily projects every sample, untruncated, into a trend point.
func HourlyPoints(items []models.ForecastItem) iter.Seq[models.HourlyPoint] {
	return func(yield func(models.HourlyPoint) bool) {
		for _, item := range items {
			p := models.HourlyPoint{
				Dt:    item.Dt,
				Temp:  item.Main.Temp,
				Label: time.Unix(item.Dt, 0).UTC().Format(hourLayout),
			}
			if !yield(p) {
				return
			}
		}
	}
}

func isoDate(dt int64) string {
	return time.Unix(dt, 0).UTC().Format(isoDateLayout)
}
