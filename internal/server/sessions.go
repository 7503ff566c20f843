package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type createSessionRequest struct {
	FID int64 `json:"fid" validate:"gt=0"`
}

// handleCreateSession issues a token pair for a fid. The caller is the
// trusted sign-in service, authenticated by the admin key.
// POST /api/admin/sessions {fid}
func (s *Server) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": validationMessage(err),
		})
	}

	pair, err := s.Sessions.Issue(req.FID)
	if err != nil {
		log.Printf("Error issuing session for fid %d: %v", req.FID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create session",
		})
	}

	log.WithField("fid", req.FID).Info("Session created")
	return c.JSON(http.StatusOK, pair)
}

// handleRefreshSession exchanges a refresh token for a new pair.
// POST /api/session/refresh
func (s *Server) handleRefreshSession(c echo.Context) error {
	fid, _ := c.Get(fidContextKey).(int64)

	pair, err := s.Sessions.Issue(fid)
	if err != nil {
		log.Printf("Error refreshing session for fid %d: %v", fid, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to refresh session",
		})
	}
	return c.JSON(http.StatusOK, pair)
}
