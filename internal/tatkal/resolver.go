// Package tatkal maps a journey's travel class and date to the instant the
// Tatkal booking window opens.
package tatkal

import (
	"strings"
	"time"

	"github.com/jinzhu/now"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// IST is the operative timezone of the booking authority. It is a fixed zone
// so resolution never depends on the host's tz database or the caller's zone.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// DaysBefore is how many days before the journey date the window opens.
const DaysBefore = 1

type opening struct {
	hour int
	ac   bool
}

var classes = map[string]opening{
	"1A": {hour: 10, ac: true},
	"2A": {hour: 10, ac: true},
	"3A": {hour: 10, ac: true},
	"3E": {hour: 10, ac: true},
	"CC": {hour: 10, ac: true},
	"EC": {hour: 10, ac: true},
	"SL": {hour: 11},
	"2S": {hour: 11},
	"FC": {hour: 11},
}

// Resolve returns the opening instant for travelClass on the civil date of
// date. Only the year, month and day of date are used.
func Resolve(date time.Time, travelClass string) (time.Time, error) {
	o, ok := classes[normalize(travelClass)]
	if !ok {
		return time.Time{}, domain.NewInvalidClass(travelClass)
	}
	y, m, d := date.Date()
	opensOn := now.New(time.Date(y, m, d, 12, 0, 0, 0, IST).AddDate(0, 0, -DaysBefore)).BeginningOfDay()
	return opensOn.Add(time.Duration(o.hour) * time.Hour), nil
}

// NextJourneyDate returns the journey date whose window opens on the IST
// civil day containing at.
func NextJourneyDate(at time.Time) time.Time {
	return now.With(at.In(IST)).BeginningOfDay().AddDate(0, 0, DaysBefore)
}

// ResolveJourney parses j.Date and resolves it.
func ResolveJourney(j domain.Journey) (time.Time, error) {
	d, err := j.ParsedDate()
	if err != nil {
		return time.Time{}, domain.NewValidationError("journey.date must be YYYY-MM-DD")
	}
	return Resolve(d, j.TravelClass)
}

// IsAC reports whether travelClass opens with the AC batch.
func IsAC(travelClass string) bool {
	return classes[normalize(travelClass)].ac
}

// Known reports whether travelClass can be resolved.
func Known(travelClass string) bool {
	_, ok := classes[normalize(travelClass)]
	return ok
}

func normalize(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
