package store

import (
	"encoding/json"
	"fmt"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// Sealer encrypts sensitive columns at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// row is the column form of an intent shared by the SQL backends.
type row struct {
	journey    string
	passengers string
	paymentRef string
	result     string
}

// codec converts intents to and from rows. Without a sealer the payment
// reference is stored as given.
type codec struct {
	sealer Sealer
}

func (c codec) encode(in *domain.Intent) (row, error) {
	j, err := json.Marshal(in.Journey)
	if err != nil {
		return row{}, fmt.Errorf("encode journey: %w", err)
	}
	p, err := json.Marshal(in.Passengers)
	if err != nil {
		return row{}, fmt.Errorf("encode passengers: %w", err)
	}
	r := row{journey: string(j), passengers: string(p), paymentRef: in.PaymentRef}
	if c.sealer != nil && in.PaymentRef != "" {
		if r.paymentRef, err = c.sealer.Seal(in.PaymentRef); err != nil {
			return row{}, fmt.Errorf("seal payment ref: %w", err)
		}
	}
	if in.Result != nil {
		b, err := json.Marshal(in.Result)
		if err != nil {
			return row{}, fmt.Errorf("encode result: %w", err)
		}
		r.result = string(b)
	}
	return r, nil
}

func (c codec) decode(r row, in *domain.Intent) error {
	if err := json.Unmarshal([]byte(r.journey), &in.Journey); err != nil {
		return fmt.Errorf("decode journey: %w", err)
	}
	if err := json.Unmarshal([]byte(r.passengers), &in.Passengers); err != nil {
		return fmt.Errorf("decode passengers: %w", err)
	}
	in.PaymentRef = r.paymentRef
	if c.sealer != nil && r.paymentRef != "" {
		ref, err := c.sealer.Open(r.paymentRef)
		if err != nil {
			return fmt.Errorf("open payment ref: %w", err)
		}
		in.PaymentRef = ref
	}
	if r.result != "" {
		in.Result = &domain.ResultDetails{}
		if err := json.Unmarshal([]byte(r.result), in.Result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
