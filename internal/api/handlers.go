package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/dispatch"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/store"
)

// createNotification accepts a submission over HTTP. End users may only
// submit for themselves; the recipient is forced to their own identity.
func (s *Server) createNotification(c *gin.Context) {
	var req dispatch.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}

	p := CurrentPrincipal(c)
	if p.Kind == PrincipalUser {
		req.UserID = p.ID
	}

	n, err := s.ingress.Create(c.Request.Context(), &req)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			writeError(c, appErr)
			return
		}
		writeError(c, apperrors.NewInternalError("failed to accept notification", err))
		return
	}

	source := "http"
	if p.Kind == PrincipalService {
		source = "service"
	}
	monitoring.NotificationsCreated.WithLabelValues(source).Inc()
	c.JSON(http.StatusCreated, n)
}

// listNotifications pages the caller's notifications.
func (s *Server) listNotifications(c *gin.Context) {
	p := CurrentPrincipal(c)

	filter := store.ListFilter{}
	if v := c.Query("isRead"); v != "" {
		isRead := v == "true"
		filter.IsRead = &isRead
	}
	if v := c.Query("type"); v != "" {
		t := store.Type(v)
		filter.Type = &t
	}
	page := store.Page{
		Number: queryInt(c, "page", 1),
		Size:   queryInt(c, "size", 20),
	}

	items, err := s.store.ListByUser(c.Request.Context(), p.ID, filter, page)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("list notifications", err))
		return
	}
	total, err := s.store.CountByUser(c.Request.Context(), p.ID, filter)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("count notifications", err))
		return
	}

	if items == nil {
		items = []*store.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": total,
		"page":  page.Number,
		"size":  page.Limit(),
	})
}

// getNotification fetches one record; callers only see their own.
func (s *Server) getNotification(c *gin.Context) {
	id, appErr := pathUUID(c, "id")
	if appErr != nil {
		writeError(c, appErr)
		return
	}

	n, err := s.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperrors.NewNotFoundError("notification"))
			return
		}
		writeError(c, apperrors.NewDatabaseError("get notification", err))
		return
	}

	p := CurrentPrincipal(c)
	// Another user's record is indistinguishable from a missing one.
	if n.UserID != p.ID && !p.IsAdmin() {
		writeError(c, apperrors.NewNotFoundError("notification"))
		return
	}
	c.JSON(http.StatusOK, n)
}

// markRead marks one notification read. Idempotent.
func (s *Server) markRead(c *gin.Context) {
	id, appErr := pathUUID(c, "id")
	if appErr != nil {
		writeError(c, appErr)
		return
	}

	p := CurrentPrincipal(c)
	if err := s.store.MarkRead(c.Request.Context(), id, p.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperrors.NewNotFoundError("notification"))
			return
		}
		writeError(c, apperrors.NewDatabaseError("mark read", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// bulkMarkRead marks a batch of notifications read, returning the count
// actually updated.
func (s *Server) bulkMarkRead(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewValidationError("ids", "ids is required"))
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, apperrors.NewValidationError("ids", "ids must be UUIDs"))
			return
		}
		ids = append(ids, id)
	}

	p := CurrentPrincipal(c)
	updated, err := s.store.BulkMarkRead(c.Request.Context(), ids, p.ID)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("bulk mark read", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// deleteNotification soft-deletes the caller's notification.
func (s *Server) deleteNotification(c *gin.Context) {
	id, appErr := pathUUID(c, "id")
	if appErr != nil {
		writeError(c, appErr)
		return
	}

	p := CurrentPrincipal(c)
	if err := s.store.SoftDelete(c.Request.Context(), id, p.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperrors.NewNotFoundError("notification"))
			return
		}
		writeError(c, apperrors.NewDatabaseError("delete notification", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// getPreferences returns the caller's effective preferences for a
// category, falling back through the user default to system defaults.
func (s *Server) getPreferences(c *gin.Context) {
	p := CurrentPrincipal(c)
	category := c.DefaultQuery("category", "*")

	prefs, err := s.store.GetPreferences(c.Request.Context(), p.ID, category)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("get preferences", err))
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// listPreferences returns every stored preference record for the caller.
func (s *Server) listPreferences(c *gin.Context) {
	p := CurrentPrincipal(c)
	prefs, err := s.store.ListPreferences(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("list preferences", err))
		return
	}
	if prefs == nil {
		prefs = []*store.Preferences{}
	}
	c.JSON(http.StatusOK, prefs)
}

// putPreferences upserts the caller's preferences for one category.
func (s *Server) putPreferences(c *gin.Context) {
	var prefs store.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		writeError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}

	p := CurrentPrincipal(c)
	prefs.UserID = p.ID
	prefs.Category = c.Param("category")

	for _, ch := range prefs.ChannelsEnabled {
		if !store.ValidChannel(ch) {
			writeError(c, apperrors.NewValidationError("channels_enabled", "unknown channel"))
			return
		}
	}

	if err := s.store.UpsertPreferences(c.Request.Context(), &prefs); err != nil {
		writeError(c, apperrors.NewDatabaseError("upsert preferences", err))
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, *apperrors.AppError) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError(name, name+" must be a UUID")
	}
	return id, nil
}
