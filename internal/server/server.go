// Package server provides the HTTP API for castkeeper, built on Echo v4.
// It hosts the save-cast endpoint used by the mini-app, the library
// endpoints (saved casts, tags, notes, export), the event stream, and
// the optional session API.
package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/primal-host/castkeeper/internal/auth"
	"github.com/primal-host/castkeeper/internal/cast"
	"github.com/primal-host/castkeeper/internal/config"
	"github.com/primal-host/castkeeper/internal/events"
	"github.com/primal-host/castkeeper/internal/metrics"
	"github.com/primal-host/castkeeper/internal/neynar"
	"github.com/primal-host/castkeeper/internal/note"
	"github.com/primal-host/castkeeper/internal/snapshot"
	"github.com/primal-host/castkeeper/internal/tag"
	"github.com/primal-host/castkeeper/internal/user"
	log "github.com/sirupsen/logrus"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Saver runs save-cast.
type Saver interface {
	SaveCast(ctx context.Context, ref string, fid int64) (*cast.SavedCast, error)
}

// UserLookup resolves profiles upstream.
type UserLookup interface {
	LookupUsers(ctx context.Context, fids []int64) ([]neynar.User, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to. Sessions may be nil,
// which leaves fid-scoped routes open.
type Deps struct {
	DB        Pinger
	Saver     Saver
	Lookup    UserLookup
	Users     *user.Store
	Casts     *cast.Store
	Snapshots *snapshot.Store
	Tags      *tag.Store
	Notes     *note.Store
	Events    *events.Manager
	Sessions  *auth.Sessions
}

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config
	Deps
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.
	e.Validator = newRequestValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(log.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"remote":  v.RemoteIP,
			})
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("request")
			return nil
		},
	}))
	e.Use(metrics.Middleware())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Origins(),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(middleware.BodyLimit("64K"))

	s := &Server{
		echo: e,
		cfg:  cfg,
		Deps: deps,
	}

	s.registerRoutes()
	return s
}

// ServeHTTP lets the server be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// --- Auth ---

const fidContextKey = "session_fid"

// adminAuth is middleware that validates the Authorization header against
// the configured admin key.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}
		if s.cfg.AdminKey == "" || token != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}
		return next(c)
	}
}

// requireRefresh is middleware that validates a Bearer token as a
// refresh token and stores its fid on the context.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		fid, err := s.Sessions.ValidateRefresh(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(fidContextKey, fid)
		return next(c)
	}
}

// authorizeFID checks that the caller may act for fid. With sessions
// disabled every caller may. It writes the error response itself and
// returns false when the request must stop.
func (s *Server) authorizeFID(c echo.Context, fid int64) (bool, error) {
	if s.Sessions == nil {
		return true, nil
	}

	token := extractBearer(c)
	if token == "" {
		return false, c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authorization header with Bearer token is required",
		})
	}
	sessionFID, err := s.Sessions.ValidateAccess(token)
	if err != nil {
		return false, c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "InvalidToken",
			"message": "Invalid or expired access token",
		})
	}
	if sessionFID != fid {
		return false, c.JSON(http.StatusForbidden, map[string]string{
			"error":   "Forbidden",
			"message": "Session does not belong to this fid",
		})
	}
	return true, nil
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// --- Validation ---

type requestValidator struct {
	v *validator.Validate
}

// newRequestValidator reports fields by their JSON names.
func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (rv *requestValidator) Validate(i any) error {
	return rv.v.Struct(i)
}

// validationMessage turns a validator error into a one-line message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "min":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	default:
		return field + " is invalid"
	}
}
