package domain

import "time"

// DateLayout is the wire and storage format of journey dates.
const DateLayout = "2006-01-02"

// Journey is immutable once the intent is submitted.
type Journey struct {
	TrainNumber     string `json:"trainNumber"`
	Date            string `json:"date"`
	FromStation     string `json:"fromStation"`
	ToStation       string `json:"toStation"`
	TravelClass     string `json:"travelClass"`
	BerthPreference string `json:"berthPreference,omitempty"`
}

type Passenger struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

// ResultDetails is what the booking endpoint confirmed.
type ResultDetails struct {
	PNR   string   `json:"pnr"`
	Seats []string `json:"seats,omitempty"`
}

// Intent is a stored request to attempt a booking at TargetFireAt.
type Intent struct {
	ID         string
	OwnerID    string
	Journey    Journey
	Passengers []Passenger
	PaymentRef string

	State        State
	TargetFireAt time.Time

	// ArmedBy is the scheduler replica that won PENDING -> ARMED.
	ArmedBy string

	// Mutated only by the attempt executor.
	AttemptCount  int
	LastError     string
	LastErrorKind Kind
	Result        *ResultDetails

	// Version increases on every successful transition.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	c.Passengers = append([]Passenger(nil), i.Passengers...)
	if i.Result != nil {
		r := *i.Result
		r.Seats = append([]string(nil), i.Result.Seats...)
		c.Result = &r
	}
	return &c
}

// Outcome is what the owner is told once an intent reaches a terminal state.
type Outcome struct {
	OwnerID       string         `json:"ownerId"`
	IntentID      string         `json:"intentId"`
	State         State          `json:"state"`
	ResultDetails *ResultDetails `json:"resultDetails,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	ErrorKind     Kind           `json:"errorKind,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

func OutcomeOf(i *Intent) Outcome {
	o := Outcome{
		OwnerID:    i.OwnerID,
		IntentID:   i.ID,
		State:      i.State,
		OccurredAt: i.UpdatedAt,
	}
	if i.State == StateSucceeded {
		o.ResultDetails = i.Result
	} else {
		o.LastError = i.LastError
		o.ErrorKind = i.LastErrorKind
	}
	return o
}
