// Package booking talks to the external rail booking endpoint.
//
// The endpoint's real contract is not published, so Client speaks a small
// JSON protocol that a gateway or a test server can implement:
//
//	POST {base}/v1/bookings
//	Idempotency-Key: <token>
//
// and classifies every reply as confirmed, rejected or transient.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tatkal-scheduler/internal/domain"
)

// namespace for idempotency tokens. Changing it changes every token.
var namespace = uuid.MustParse("8f6c4a52-3d2b-5e1f-9a7c-2b4d6e8f0a13")

// IdempotencyToken is stable for an intent id across retries and processes.
func IdempotencyToken(intentID string) string {
	return uuid.NewSHA1(namespace, []byte(intentID)).String()
}

type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// Result is a definitive answer from the endpoint.
type Result struct {
	Status Status
	PNR    string
	Seats  []string
	Reason string
}

// TransientError means the attempt may be retried with the same token.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("booking endpoint unavailable (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("booking endpoint unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Booker is what the executor calls. Client implements it over HTTP.
type Booker interface {
	Book(ctx context.Context, in *domain.Intent, token string) (Result, error)
}

type Client struct {
	hc      *http.Client
	baseURL string
	apiKey  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type bookRequest struct {
	IntentID         string             `json:"intentId"`
	Journey          domain.Journey     `json:"journey"`
	Passengers       []domain.Passenger `json:"passengers"`
	PaymentRef       string             `json:"paymentRef"`
	IdempotencyToken string             `json:"idempotencyToken"`
}

type bookResponse struct {
	Status string   `json:"status"`
	PNR    string   `json:"pnr"`
	Seats  []string `json:"seats"`
	Reason string   `json:"reason"`
}

// Book submits one attempt. A nil error means the endpoint gave a definitive
// answer; check Result.Status. Otherwise the error is a *TransientError.
func (c *Client) Book(ctx context.Context, in *domain.Intent, token string) (Result, error) {
	body, err := json.Marshal(bookRequest{
		IntentID:         in.ID,
		Journey:          in.Journey,
		Passengers:       in.Passengers,
		PaymentRef:       in.PaymentRef,
		IdempotencyToken: token,
	})
	if err != nil {
		return Result{}, err
	}

	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/bookings", token, body)
	if err != nil {
		return Result{}, &TransientError{Err: err}
	}
	return classify(status, respBody)
}

func classify(status int, body []byte) (Result, error) {
	var r bookResponse
	_ = json.Unmarshal(body, &r)

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		switch strings.ToUpper(r.Status) {
		case string(StatusConfirmed):
			if r.PNR == "" {
				return Result{}, &TransientError{StatusCode: status, Err: errors.New("confirmed without pnr")}
			}
			return Result{Status: StatusConfirmed, PNR: r.PNR, Seats: r.Seats}, nil
		case string(StatusRejected):
			return Result{Status: StatusRejected, Reason: reasonOr(r.Reason, status)}, nil
		default:
			return Result{}, &TransientError{StatusCode: status, Err: fmt.Errorf("unrecognized status %q", r.Status)}
		}
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return Result{Status: StatusRejected, Reason: reasonOr(r.Reason, status)}, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status == http.StatusTooManyRequests || status >= 500:
		return Result{}, &TransientError{StatusCode: status}
	default:
		// 401/403/404 and the like will not improve on retry.
		return Result{Status: StatusRejected, Reason: reasonOr(r.Reason, status)}, nil
	}
}

func reasonOr(reason string, status int) string {
	if reason != "" {
		return reason
	}
	return fmt.Sprintf("rejected (status=%d)", status)
}

func (c *Client) do(ctx context.Context, method, rawURL, token string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")
	req.Header.Set("Idempotency-Key", token)
	if c.apiKey != "" {
		req.Header.Set("authorization", "Bearer "+c.apiKey)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
