package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Store authenticates local users and carries their identity between
// requests, either in a session cookie or in a bearer token.
type Store struct {
	sc     *securecookie.SecureCookie
	users  store.Users
	jwtKey []byte
	jwtTTL time.Duration
	now    func() time.Time
}

type ctxKey string

const ownerIDKey ctxKey = "ownerID"

const sessionMaxAge = 14 * 24 * time.Hour

// NewStore signs cookies and tokens with hashKey; blockKey encrypts cookies.
func NewStore(users store.Users, hashKey, blockKey []byte, jwtTTL time.Duration) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	if jwtTTL <= 0 {
		jwtTTL = 24 * time.Hour
	}
	return &Store{sc: sc, users: users, jwtKey: hashKey, jwtTTL: jwtTTL, now: time.Now}
}

func HashPassword(pw string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
}

func CheckPassword(hash []byte, pw string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(pw)) == nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, domain.NewValidationError("username and password required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	u := store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return store.User{}, err
	}
	return u, nil
}

// Authenticate returns the user id for a correct username and password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	u, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if domain.IsKind(err, domain.KindNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return u.ID, nil
}

type Session struct {
	UserID string
}

const cookieName = "tatkal_session"

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, userID string) error {
	val := map[string]string{"uid": userID, "v": "1"}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]string{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	uid := val["uid"]
	if uid == "" {
		return Session{}, false
	}
	return Session{UserID: uid}, true
}

// IssueToken returns an HS256 bearer token for userID.
func (s *Store) IssueToken(userID string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.jwtTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		Issuer:    "tatkald",
	})
	signed, err := tok.SignedString(s.jwtKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseToken validates a bearer token and returns its subject.
func (s *Store) ParseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtKey, nil
	}, jwt.WithIssuer("tatkald"), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Identify returns the user behind r from a bearer token or, failing that,
// the session cookie.
func (s *Store) Identify(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", false
		}
		uid, err := s.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			return "", false
		}
		return uid, true
	}
	sess, ok := s.GetSession(r)
	return sess.UserID, ok
}

// RequireAuth rejects unauthenticated requests with 401 and stores the
// owner id in both the gin and request contexts.
func (s *Store) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.Identify(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(string(ownerIDKey), uid)
		c.Request = c.Request.WithContext(WithOwner(c.Request.Context(), uid))
		c.Next()
	}
}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ownerIDKey).(string)
	return uid, ok && uid != ""
}
