package server

import (
	"errors"
	"net/http"
	"strconv"

	ipld "github.com/ipfs/go-ipld-format"
	"github.com/labstack/echo/v4"
	"github.com/primal-host/castkeeper/internal/cast"
	"github.com/primal-host/castkeeper/internal/events"
	"github.com/primal-host/castkeeper/internal/note"
	"github.com/primal-host/castkeeper/internal/tag"
	"github.com/primal-host/castkeeper/internal/user"
	log "github.com/sirupsen/logrus"
)

// lookupUser resolves the fid query parameter to a local user. When it
// returns a nil user the response has already been written.
func (s *Server) lookupUser(c echo.Context, fid int64) (*user.User, error) {
	u, err := s.Users.GetByFID(c.Request().Context(), fid)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, jsonError(c, http.StatusNotFound, "UserNotFound",
				"No user with fid "+strconv.FormatInt(fid, 10))
		}
		log.Printf("Error looking up fid %d: %v", fid, err)
		return nil, jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to look up user")
	}
	return u, nil
}

// queryFID reads and validates the fid query parameter. When it returns
// false the response has already been written.
func queryFID(c echo.Context) (int64, bool, error) {
	fid, ok := parseFID(c.QueryParam("fid"))
	if !ok {
		return 0, false, jsonError(c, http.StatusBadRequest, "InvalidRequest",
			"fid query parameter must be a positive integer")
	}
	return fid, true, nil
}

// handleListSavedCasts returns a page of a user's library, newest first.
// GET /api/saved-casts?fid=&limit=&cursor=
func (s *Server) handleListSavedCasts(c echo.Context) error {
	fid, ok, err := queryFID(c)
	if !ok {
		return err
	}

	limit := cast.DefaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > cast.MaxLimit {
			return jsonError(c, http.StatusBadRequest, "InvalidRequest",
				"limit must be between 1 and "+strconv.Itoa(cast.MaxLimit))
		}
	}

	ctx := c.Request().Context()
	u, err := s.Users.GetByFID(ctx, fid)
	if errors.Is(err, user.ErrNotFound) {
		return c.JSON(http.StatusOK, map[string]any{"casts": []cast.SavedCast{}})
	}
	if err != nil {
		log.Printf("Error looking up fid %d: %v", fid, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to list saved casts")
	}

	casts, next, err := s.Casts.ListByUser(ctx, u.ID, limit, c.QueryParam("cursor"))
	if err != nil {
		log.Printf("Error listing saved casts for fid %d: %v", fid, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to list saved casts")
	}

	resp := map[string]any{"casts": casts}
	if next != "" {
		resp["cursor"] = next
	}
	return c.JSON(http.StatusOK, resp)
}

// handleGetSavedCast returns one saved cast with its tags and notes.
// GET /api/saved-casts/:id
func (s *Server) handleGetSavedCast(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	sc, err := s.Casts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cast.ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "NotFound", "Saved cast not found: "+id)
		}
		log.Printf("Error getting saved cast %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to get saved cast")
	}

	tags, err := s.Tags.ForCast(ctx, sc.ID)
	if err != nil {
		log.Printf("Error listing tags for %s: %v", sc.ID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to get saved cast")
	}
	notes, err := s.Notes.ListForCast(ctx, sc.ID)
	if err != nil {
		log.Printf("Error listing notes for %s: %v", sc.ID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to get saved cast")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"cast":  sc,
		"tags":  tags,
		"notes": notes,
	})
}

// handleDeleteSavedCast removes a saved cast from its owner's library.
// DELETE /api/saved-casts/:id?fid=
func (s *Server) handleDeleteSavedCast(c echo.Context) error {
	fid, ok, err := queryFID(c)
	if !ok {
		return err
	}
	if ok, err := s.authorizeFID(c, fid); !ok {
		return err
	}
	u, err := s.lookupUser(c, fid)
	if u == nil {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.Casts.Delete(ctx, id, u.ID); err != nil {
		if errors.Is(err, cast.ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "NotFound", "Saved cast not found: "+id)
		}
		log.Printf("Error deleting saved cast %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to delete saved cast")
	}

	s.emit(c, events.TypeCastDeleted, fid, map[string]string{"id": id})
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Saved cast deleted: " + id,
	})
}

// handleGetSnapshot returns the verbatim upstream document of a save.
// GET /api/snapshots/:cid
func (s *Server) handleGetSnapshot(c echo.Context) error {
	cidStr := c.Param("cid")
	data, err := s.Snapshots.Get(c.Request().Context(), cidStr)
	if err != nil {
		if ipld.IsNotFound(err) {
			return jsonError(c, http.StatusNotFound, "NotFound", "Snapshot not found: "+cidStr)
		}
		log.Printf("Error getting snapshot %s: %v", cidStr, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to get snapshot")
	}
	c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

// handleExport streams every snapshot in a user's library as a CAR v1
// archive.
// GET /api/export?fid=
func (s *Server) handleExport(c echo.Context) error {
	fid, ok, err := queryFID(c)
	if !ok {
		return err
	}
	u, err := s.lookupUser(c, fid)
	if u == nil {
		return err
	}

	ctx := c.Request().Context()
	cids, err := s.Casts.SnapshotCIDs(ctx, u.ID)
	if err != nil {
		log.Printf("Error listing snapshots for fid %d: %v", fid, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to export library")
	}
	if len(cids) == 0 {
		return jsonError(c, http.StatusNotFound, "NotFound", "Nothing to export")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.ipld.car")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="castkeeper-`+strconv.FormatInt(fid, 10)+`.car"`)
	c.Response().WriteHeader(http.StatusOK)

	if err := s.Snapshots.ExportCAR(ctx, cids, c.Response().Writer); err != nil {
		log.Printf("Error exporting library for fid %d: %v", fid, err)
		// Headers already sent; can't return JSON error.
		return nil
	}
	return nil
}

// --- Tags ---

type createTagRequest struct {
	FID   int64  `json:"fid" validate:"gt=0"`
	Name  string `json:"name" validate:"required,max=50"`
	Color string `json:"color"`
}

// handleListTags returns a user's tags.
// GET /api/tags?fid=
func (s *Server) handleListTags(c echo.Context) error {
	fid, ok, err := queryFID(c)
	if !ok {
		return err
	}
	u, err := s.lookupUser(c, fid)
	if u == nil {
		return err
	}

	tags, err := s.Tags.ListByUser(c.Request().Context(), u.ID)
	if err != nil {
		log.Printf("Error listing tags for fid %d: %v", fid, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to list tags")
	}
	return c.JSON(http.StatusOK, map[string]any{"tags": tags})
}

// handleCreateTag adds a tag to a user's tag set.
// POST /api/tags {fid, name, color?}
func (s *Server) handleCreateTag(c echo.Context) error {
	var req createTagRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if err := c.Validate(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", validationMessage(err))
	}
	if ok, err := s.authorizeFID(c, req.FID); !ok {
		return err
	}
	u, err := s.lookupUser(c, req.FID)
	if u == nil {
		return err
	}

	t, err := s.Tags.Create(c.Request().Context(), u.ID, req.Name, req.Color)
	if err != nil {
		switch {
		case errors.Is(err, tag.ErrDuplicate):
			return jsonError(c, http.StatusConflict, "TagExists", "Tag already exists: "+req.Name)
		case errors.Is(err, tag.ErrInvalid):
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
		}
		log.Printf("Error creating tag %q for fid %d: %v", req.Name, req.FID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to create tag")
	}
	return c.JSON(http.StatusOK, t)
}

// handleAttachTag links a tag to a saved cast.
// POST /api/saved-casts/:id/tags/:tagId?fid=
func (s *Server) handleAttachTag(c echo.Context) error {
	return s.changeTag(c, true)
}

// handleDetachTag unlinks a tag from a saved cast.
// DELETE /api/saved-casts/:id/tags/:tagId?fid=
func (s *Server) handleDetachTag(c echo.Context) error {
	return s.changeTag(c, false)
}

func (s *Server) changeTag(c echo.Context, attach bool) error {
	fid, ok, err := queryFID(c)
	if !ok {
		return err
	}
	if ok, err := s.authorizeFID(c, fid); !ok {
		return err
	}
	u, err := s.lookupUser(c, fid)
	if u == nil {
		return err
	}

	ctx := c.Request().Context()
	castID, tagID := c.Param("id"), c.Param("tagId")
	eventType := events.TypeTagAdded
	if attach {
		err = s.Tags.Attach(ctx, castID, tagID, u.ID)
	} else {
		err = s.Tags.Detach(ctx, castID, tagID, u.ID)
		eventType = events.TypeTagRemoved
	}
	if err != nil {
		if errors.Is(err, tag.ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "NotFound", "Tag or saved cast not found")
		}
		log.Printf("Error changing tag %s on %s: %v", tagID, castID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to update tags")
	}

	s.emit(c, eventType, fid, map[string]string{"id": castID, "tag_id": tagID})
	return c.JSON(http.StatusOK, map[string]string{"message": "ok"})
}

// --- Notes ---

type noteRequest struct {
	FID     int64  `json:"fid" validate:"gt=0"`
	Content string `json:"content" validate:"required,max=2000"`
}

// handleListNotes returns the notes on a saved cast.
// GET /api/saved-casts/:id/notes
func (s *Server) handleListNotes(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := s.Casts.Get(ctx, id); err != nil {
		if errors.Is(err, cast.ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "NotFound", "Saved cast not found: "+id)
		}
		log.Printf("Error getting saved cast %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to list notes")
	}

	notes, err := s.Notes.ListForCast(ctx, id)
	if err != nil {
		log.Printf("Error listing notes for %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to list notes")
	}
	return c.JSON(http.StatusOK, map[string]any{"notes": notes})
}

// handleAddNote annotates a saved cast owned by fid.
// POST /api/saved-casts/:id/notes {fid, content}
func (s *Server) handleAddNote(c echo.Context) error {
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if err := c.Validate(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", validationMessage(err))
	}
	if ok, err := s.authorizeFID(c, req.FID); !ok {
		return err
	}
	u, err := s.lookupUser(c, req.FID)
	if u == nil {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	sc, err := s.Casts.Get(ctx, id)
	if err != nil && !errors.Is(err, cast.ErrNotFound) {
		log.Printf("Error getting saved cast %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to add note")
	}
	if sc == nil || sc.UserID != u.ID {
		return jsonError(c, http.StatusNotFound, "NotFound", "Saved cast not found: "+id)
	}

	n, err := s.Notes.Add(ctx, sc.ID, req.Content)
	if err != nil {
		if errors.Is(err, note.ErrInvalid) {
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
		}
		log.Printf("Error adding note to %s: %v", sc.ID, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to add note")
	}

	s.emit(c, events.TypeNoteAdded, req.FID, map[string]string{"id": sc.ID, "note_id": n.ID})
	return c.JSON(http.StatusOK, n)
}

// handleUpdateNote replaces the content of a note.
// PUT /api/notes/:id {fid, content}
func (s *Server) handleUpdateNote(c echo.Context) error {
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if err := c.Validate(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", validationMessage(err))
	}
	if ok, err := s.authorizeFID(c, req.FID); !ok {
		return err
	}
	u, err := s.lookupUser(c, req.FID)
	if u == nil {
		return err
	}

	id := c.Param("id")
	n, err := s.Notes.Update(c.Request().Context(), id, u.ID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, note.ErrNotFound):
			return jsonError(c, http.StatusNotFound, "NotFound", "Note not found: "+id)
		case errors.Is(err, note.ErrInvalid):
			return jsonError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
		}
		log.Printf("Error updating note %s: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to update note")
	}
	return c.JSON(http.StatusOK, n)
}

// emit publishes a library event. Errors are logged but not returned to
// the caller; the primary change has already succeeded.
func (s *Server) emit(c echo.Context, eventType string, fid int64, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(c.Request().Context(), eventType, fid, payload); err != nil {
		log.Printf("Warning: emit %s for fid %d: %v", eventType, fid, err)
	}
}
