package booking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tatkal-scheduler/internal/domain"
)

func testIntent() *domain.Intent {
	return &domain.Intent{
		ID:      "i-1",
		OwnerID: "u-1",
		Journey: domain.Journey{
			TrainNumber: "12951",
			Date:        "2024-08-20",
			FromStation: "NDLS",
			ToStation:   "MMCT",
			TravelClass: "3A",
		},
		Passengers: []domain.Passenger{{Name: "Asha", Age: 34, Gender: "F"}},
		PaymentRef: "pay-1",
	}
}

func TestIdempotencyToken_Stable(t *testing.T) {
	a := IdempotencyToken("i-1")
	assert.Equal(t, a, IdempotencyToken("i-1"))
	assert.NotEqual(t, a, IdempotencyToken("i-2"))
	assert.Len(t, a, 36)
}

func TestBook_SendsRequest(t *testing.T) {
	var (
		gotKey  string
		gotAuth string
		gotPath string
		gotBody bookRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"CONFIRMED","pnr":"4512345678","seats":["B2-14"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithAPIKey("secret"))
	token := IdempotencyToken("i-1")
	res, err := c.Book(context.Background(), testIntent(), token)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Equal(t, "4512345678", res.PNR)
	assert.Equal(t, []string{"B2-14"}, res.Seats)
	assert.Equal(t, "/v1/bookings", gotPath)
	assert.Equal(t, token, gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, token, gotBody.IdempotencyToken)
	assert.Equal(t, "12951", gotBody.Journey.TrainNumber)
	assert.Equal(t, "pay-1", gotBody.PaymentRef)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		want      Status
		transient bool
		reason    string
	}{
		{"confirmed", 200, `{"status":"CONFIRMED","pnr":"P1"}`, StatusConfirmed, false, ""},
		{"rejected body", 200, `{"status":"REJECTED","reason":"no seats"}`, StatusRejected, false, "no seats"},
		{"confirmed without pnr", 200, `{"status":"CONFIRMED"}`, "", true, ""},
		{"garbage 2xx", 200, `not json`, "", true, ""},
		{"bad request", 400, `{"reason":"bad passenger"}`, StatusRejected, false, "bad passenger"},
		{"conflict", 409, ``, StatusRejected, false, "rejected (status=409)"},
		{"unprocessable", 422, ``, StatusRejected, false, "rejected (status=422)"},
		{"unauthorized", 401, ``, StatusRejected, false, "rejected (status=401)"},
		{"timeout", 408, ``, "", true, ""},
		{"too early", 425, ``, "", true, ""},
		{"rate limited", 429, ``, "", true, ""},
		{"server error", 503, ``, "", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := classify(tc.status, []byte(tc.body))
			if tc.transient {
				require.Error(t, err)
				assert.True(t, IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, res.Reason)
			}
		})
	}
}

func TestBook_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := c.Book(context.Background(), testIntent(), "tok")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
