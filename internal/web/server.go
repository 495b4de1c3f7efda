package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/tatkal-scheduler/internal/auth"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/service"
	"github.com/example/tatkal-scheduler/internal/tatkal"
)

type Server struct {
	Auth    *auth.Store
	Intents *service.Intents

	// Health is checked by /healthz when set.
	Health func(ctx context.Context) error
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/login", s.handleLogin)
	r.POST("/logout", s.handleLogout)

	api := r.Group("/api")
	api.GET("/opening-time", s.handleOpeningTime)

	intents := api.Group("/intents", s.Auth.RequireAuth())
	intents.POST("", s.handleSubmit)
	intents.GET("", s.handleList)
	intents.GET("/:id", s.handleGet)
	intents.DELETE("/:id", s.handleCancel)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.Health != nil {
		if err := s.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid, err := s.Auth.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username/password"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.Auth.SetSession(c.Writer, c.Request, uid); err != nil {
		writeError(c, err)
		return
	}
	token, exp, err := s.Auth.IssueToken(uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    uid,
		"token":     token,
		"expiresAt": exp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.Auth.ClearSession(c.Writer)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleOpeningTime(c *gin.Context) {
	class := c.Query("class")
	date, err := time.Parse(domain.DateLayout, strings.TrimSpace(c.Query("date")))
	if err != nil {
		writeError(c, domain.NewValidationError("date must be YYYY-MM-DD"))
		return
	}
	at, err := tatkal.Resolve(date, class)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"class":     strings.ToUpper(strings.TrimSpace(class)),
		"date":      date.Format(domain.DateLayout),
		"opensAt":   at.Format(time.RFC3339),
		"ac":        tatkal.IsAC(class),
		"opensAtMs": at.UnixMilli(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.NewValidationError(err.Error()))
		return
	}
	in, err := s.Intents.Submit(c.Request.Context(), owner(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intentId": in.ID, "state": in.State, "targetFireAt": in.TargetFireAt.Format(time.RFC3339)})
}

func (s *Server) handleList(c *gin.Context) {
	list, err := s.Intents.List(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]intentView, 0, len(list))
	for _, in := range list {
		out = append(out, viewOf(in))
	}
	c.JSON(http.StatusOK, gin.H{"intents": out})
}

func (s *Server) handleGet(c *gin.Context) {
	in, err := s.Intents.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(in))
}

func (s *Server) handleCancel(c *gin.Context) {
	in, err := s.Intents.Cancel(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(in))
}

func owner(c *gin.Context) string {
	uid, _ := auth.OwnerFromContext(c.Request.Context())
	return uid
}

type intentView struct {
	ID            string                `json:"id"`
	State         domain.State          `json:"state"`
	Journey       domain.Journey        `json:"journey"`
	Passengers    []domain.Passenger    `json:"passengers"`
	TargetFireAt  string                `json:"targetFireAt"`
	AttemptCount  int                   `json:"attemptCount"`
	ResultDetails *domain.ResultDetails `json:"resultDetails,omitempty"`
	LastError     string                `json:"lastError,omitempty"`
	LastErrorKind domain.Kind           `json:"lastErrorKind,omitempty"`
	CreatedAt     string                `json:"createdAt"`
	UpdatedAt     string                `json:"updatedAt"`
}

func viewOf(in *domain.Intent) intentView {
	return intentView{
		ID:            in.ID,
		State:         in.State,
		Journey:       in.Journey,
		Passengers:    in.Passengers,
		TargetFireAt:  in.TargetFireAt.Format(time.RFC3339),
		AttemptCount:  in.AttemptCount,
		ResultDetails: in.Result,
		LastError:     in.LastError,
		LastErrorKind: in.LastErrorKind,
		CreatedAt:     in.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     in.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k domain.Kind) int {
	switch k {
	case domain.KindValidation, domain.KindInvalidClass:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyAttempting, domain.KindConflict:
		return http.StatusConflict
	case domain.KindStoreUnavailable, domain.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := statusOf(kind)
	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	var de *domain.Error
	if errors.As(err, &de) && len(de.Fields) > 0 {
		body["fields"] = de.Fields
	}
	if status >= 500 {
		log.Printf("web: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, body)
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("web: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
