package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinPassengers = 1
	MaxPassengers = 4
)

var berths = map[string]bool{"LB": true, "MB": true, "UB": true, "SL": true, "SU": true, "NONE": true}

var genders = map[string]bool{"M": true, "F": true, "T": true}

// Normalize trims and uppercases the codes in j.
func (j Journey) Normalize() Journey {
	j.TrainNumber = strings.TrimSpace(j.TrainNumber)
	j.Date = strings.TrimSpace(j.Date)
	j.FromStation = strings.ToUpper(strings.TrimSpace(j.FromStation))
	j.ToStation = strings.ToUpper(strings.TrimSpace(j.ToStation))
	j.TravelClass = strings.ToUpper(strings.TrimSpace(j.TravelClass))
	j.BerthPreference = strings.ToUpper(strings.TrimSpace(j.BerthPreference))
	return j
}

// ParsedDate returns the journey date at midnight UTC.
func (j Journey) ParsedDate() (time.Time, error) {
	return time.Parse(DateLayout, j.Date)
}

// Validate returns a *Error of KindValidation listing every problem, or nil.
// Travel class resolution is left to the opening-time resolver.
func Validate(ownerID string, j Journey, ps []Passenger, paymentRef string) error {
	var fields []string
	if strings.TrimSpace(ownerID) == "" {
		fields = append(fields, "ownerId required")
	}
	if !isTrainNumber(j.TrainNumber) {
		fields = append(fields, "journey.trainNumber must be 5 digits")
	}
	if j.Date == "" {
		fields = append(fields, "journey.date required")
	} else if _, err := j.ParsedDate(); err != nil {
		fields = append(fields, "journey.date must be YYYY-MM-DD")
	}
	if j.FromStation == "" {
		fields = append(fields, "journey.fromStation required")
	}
	if j.ToStation == "" {
		fields = append(fields, "journey.toStation required")
	}
	if j.FromStation != "" && j.FromStation == j.ToStation {
		fields = append(fields, "journey.toStation must differ from fromStation")
	}
	if j.TravelClass == "" {
		fields = append(fields, "journey.travelClass required")
	}
	if j.BerthPreference != "" && !berths[j.BerthPreference] {
		fields = append(fields, fmt.Sprintf("journey.berthPreference %q not recognised", j.BerthPreference))
	}
	if len(ps) < MinPassengers || len(ps) > MaxPassengers {
		fields = append(fields, fmt.Sprintf("passengers must have %d-%d entries", MinPassengers, MaxPassengers))
	}
	for i, p := range ps {
		if strings.TrimSpace(p.Name) == "" {
			fields = append(fields, fmt.Sprintf("passengers[%d].name required", i))
		}
		if p.Age < 1 || p.Age > 125 {
			fields = append(fields, fmt.Sprintf("passengers[%d].age out of range", i))
		}
		if !genders[strings.ToUpper(strings.TrimSpace(p.Gender))] {
			fields = append(fields, fmt.Sprintf("passengers[%d].gender must be M, F or T", i))
		}
	}
	if strings.TrimSpace(paymentRef) == "" {
		fields = append(fields, "paymentRef required")
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}

func isTrainNumber(s string) bool {
	if len(s) != 5 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
