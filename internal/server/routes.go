package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/castkeeper/internal/ingest"
	"github.com/primal-host/castkeeper/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints ---
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// --- Save-cast (the mini-app's core call) ---
	s.echo.POST("/api/save-cast", s.handleSaveCast)

	// --- Library ---
	s.echo.GET("/api/saved-casts", s.handleListSavedCasts)
	s.echo.GET("/api/saved-casts/:id", s.handleGetSavedCast)
	s.echo.DELETE("/api/saved-casts/:id", s.handleDeleteSavedCast)
	s.echo.GET("/api/snapshots/:cid", s.handleGetSnapshot)
	s.echo.GET("/api/export", s.handleExport)

	s.echo.GET("/api/tags", s.handleListTags)
	s.echo.POST("/api/tags", s.handleCreateTag)
	s.echo.POST("/api/saved-casts/:id/tags/:tagId", s.handleAttachTag)
	s.echo.DELETE("/api/saved-casts/:id/tags/:tagId", s.handleDetachTag)

	s.echo.GET("/api/saved-casts/:id/notes", s.handleListNotes)
	s.echo.POST("/api/saved-casts/:id/notes", s.handleAddNote)
	s.echo.PUT("/api/notes/:id", s.handleUpdateNote)

	// --- Users ---
	s.echo.GET("/api/users", s.handleLookupUsers)
	s.echo.POST("/api/users/sync", s.handleSyncUser)

	// --- Event stream ---
	s.echo.GET("/api/stream", s.handleStream)

	// --- Sessions (only when a signing secret is configured) ---
	if s.Sessions != nil {
		s.echo.POST("/api/admin/sessions", s.handleCreateSession, s.adminAuth)
		s.echo.POST("/api/session/refresh", s.handleRefreshSession, s.requireRefresh)
	}
}

// handleHealth reports liveness and database reachability.
func (s *Server) handleHealth(c echo.Context) error {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			log.Printf("Warning: health check ping failed: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"version": Version,
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

type saveCastRequest struct {
	CastURL string `json:"castUrl"`
	UserFID int64  `json:"userFid"`
}

// handleSaveCast saves a cast to a user's library.
// POST /api/save-cast {castUrl, userFid}
//
// The response envelope is the one the mini-app client reads: 400 with
// {error} for bad input, 500 with {error, details} for everything else.
func (s *Server) handleSaveCast(c echo.Context) error {
	var req saveCastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid JSON body",
		})
	}

	// Incomplete input falls through to SaveCast, which answers 400
	// before any credentials are checked.
	if strings.TrimSpace(req.CastURL) != "" && req.UserFID > 0 {
		if ok, err := s.authorizeFID(c, req.UserFID); !ok {
			return err
		}
	}

	sc, err := s.Saver.SaveCast(c.Request().Context(), req.CastURL, req.UserFID)
	if err != nil {
		if ingest.KindOf(err) == ingest.KindInvalidRequest {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}
		log.Printf("Error saving cast: %v", err)
		// Conflict is reported as 500 like every other failure; clients
		// tell it apart by details.
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "Failed to save cast",
			"details": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"cast":    sc,
		"message": "Cast saved successfully",
	})
}

// --- Helpers ---

// jsonError writes the {error, message} envelope used by every route
// except save-cast.
func jsonError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// parseFID reads a positive fid from a string.
func parseFID(raw string) (int64, bool) {
	fid, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || fid <= 0 {
		return 0, false
	}
	return fid, true
}

// parseFIDList reads a comma-separated list of fids.
func parseFIDList(raw string) ([]int64, bool) {
	var fids []int64
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		fid, ok := parseFID(part)
		if !ok {
			return nil, false
		}
		fids = append(fids, fid)
	}
	return fids, len(fids) > 0
}
