package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/castkeeper/internal/neynar"
	"github.com/primal-host/castkeeper/internal/user"
	log "github.com/sirupsen/logrus"
)

// upstreamError maps a content API failure to a response.
func upstreamError(c echo.Context, err error) error {
	var apiErr *neynar.APIError
	switch {
	case errors.Is(err, neynar.ErrMissingAPIKey):
		return jsonError(c, http.StatusInternalServerError, "ConfigurationError", err.Error())
	case errors.As(err, &apiErr):
		return jsonError(c, http.StatusBadGateway, "UpstreamError", apiErr.Error())
	default:
		return jsonError(c, http.StatusBadGateway, "UpstreamError", "Content API request failed")
	}
}

// handleLookupUsers proxies a bulk profile lookup.
// GET /api/users?fids=1,2,3
func (s *Server) handleLookupUsers(c echo.Context) error {
	fids, ok := parseFIDList(c.QueryParam("fids"))
	if !ok {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest",
			"fids must be a comma-separated list of positive integers")
	}
	if len(fids) > neynar.MaxBulkUsers {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest",
			"at most "+strconv.Itoa(neynar.MaxBulkUsers)+" fids per request")
	}

	users, err := s.Lookup.LookupUsers(c.Request().Context(), fids)
	if err != nil {
		log.Printf("Error looking up users %v: %v", fids, err)
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"users": users})
}

type syncUserRequest struct {
	FID int64 `json:"fid" validate:"gt=0"`
}

// handleSyncUser copies a user's profile from the network into the
// local row, creating the row if needed.
// POST /api/users/sync {fid}
func (s *Server) handleSyncUser(c echo.Context) error {
	var req syncUserRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if err := c.Validate(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", validationMessage(err))
	}
	if ok, err := s.authorizeFID(c, req.FID); !ok {
		return err
	}

	ctx := c.Request().Context()
	found, err := s.Lookup.LookupUsers(ctx, []int64{req.FID})
	if err != nil {
		log.Printf("Error looking up fid %d: %v", req.FID, err)
		return upstreamError(c, err)
	}
	if len(found) == 0 {
		return jsonError(c, http.StatusNotFound, "UserNotFound",
			"No Farcaster user with fid "+strconv.FormatInt(req.FID, 10))
	}
	profile := found[0]

	if _, _, err := s.Users.GetOrCreate(ctx, req.FID); err != nil {
		log.Printf("Error creating user %d: %v", req.FID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to create user")
	}

	u, err := s.Users.UpdateProfile(ctx, req.FID, user.Profile{
		Username:              profile.Username,
		DisplayName:           profile.DisplayName,
		AvatarURL:             profile.PfpURL,
		CustodyAddress:        checksumOrEmpty(profile.CustodyAddress),
		VerificationAddresses: user.NormalizeAddresses(profile.VerifiedAddresses.EthAddresses),
	})
	if err != nil {
		log.Printf("Error updating profile for fid %d: %v", req.FID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to update user")
	}

	log.WithField("fid", req.FID).Info("User profile synced")
	return c.JSON(http.StatusOK, u)
}

func checksumOrEmpty(addr string) string {
	if addr == "" {
		return ""
	}
	sum, err := user.ChecksumAddress(addr)
	if err != nil {
		return ""
	}
	return sum
}
