package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tatkal-scheduler/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	hash := []byte("0123456789abcdef0123456789abcdef")
	block := []byte("abcdef0123456789")
	return NewStore(store.NewMemory(nil), hash, block, time.Hour)
}

func TestPasswordHashing(t *testing.T) {
	h, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckPassword(h, "s3cret"))
	assert.False(t, CheckPassword(h, "wrong"))
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "asha", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	id, err := s.Authenticate(ctx, "asha", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	_, err = s.Authenticate(ctx, "asha", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateUser_RequiresFields(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateUser(context.Background(), " ", "pw")
	assert.Error(t, err)
}

func TestSessionCookieRoundTrip(t *testing.T) {
	s := newTestStore(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, s.SetSession(w, r, "u-1"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	req := httptest.NewRequest(http.MethodGet, "/api/intents", nil)
	req.AddCookie(cookies[0])

	sess, ok := s.GetSession(req)
	require.True(t, ok)
	assert.Equal(t, "u-1", sess.UserID)

	tampered := httptest.NewRequest(http.MethodGet, "/api/intents", nil)
	tampered.AddCookie(&http.Cookie{Name: cookieName, Value: cookies[0].Value + "x"})
	_, ok = s.GetSession(tampered)
	assert.False(t, ok)
}

func TestTokens(t *testing.T) {
	s := newTestStore(t)
	tok, exp, err := s.IssueToken("u-1")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	uid, err := s.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", uid)

	other := NewStore(store.NewMemory(nil), []byte("another-hash-key-another-hash-ke"), nil, time.Hour)
	_, err = other.ParseToken(tok)
	assert.Error(t, err)
}

func TestTokens_Expired(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := s.IssueToken("u-1")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.ParseToken(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	r := gin.New()
	r.GET("/me", s.RequireAuth(), func(c *gin.Context) {
		uid, ok := OwnerFromContext(c.Request.Context())
		require.True(t, ok)
		c.String(http.StatusOK, uid)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, _, err := s.IssueToken("u-7")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-7", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
