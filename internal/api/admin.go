package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/dispatch"
	"github.com/hivehub/notify/internal/scheduler"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// listTemplates pages the template catalog.
func (s *Server) listTemplates(c *gin.Context) {
	templates, err := s.store.ListTemplates(c.Request.Context())
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("list templates", err))
		return
	}
	if templates == nil {
		templates = []*store.Template{}
	}
	c.JSON(http.StatusOK, templates)
}

// putTemplate upserts a template and invalidates its compiled cache entry.
// The stored version increments on every upsert so rendered-cache keys
// roll over without explicit invalidation.
func (s *Server) putTemplate(c *gin.Context) {
	var tpl store.Template
	if err := c.ShouldBindJSON(&tpl); err != nil {
		writeError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if tpl.ID == "" || tpl.Body == "" {
		writeError(c, apperrors.NewValidationError("template", "id and body are required"))
		return
	}
	if !store.ValidChannel(tpl.Channel) {
		writeError(c, apperrors.NewValidationError("channel", "unknown channel"))
		return
	}
	if tpl.Locale == "" {
		tpl.Locale = s.cfg.Template.DefaultLocale
	}

	stored, err := s.store.UpsertTemplate(c.Request.Context(), &tpl)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("upsert template", err))
		return
	}

	s.engine.Invalidate(stored.ID, stored.Channel, stored.Locale)
	c.JSON(http.StatusOK, stored)
}

// deleteTemplate removes every locale variant of an (id, channel) pair.
func (s *Server) deleteTemplate(c *gin.Context) {
	id := c.Param("id")
	channel := store.Channel(c.Query("channel"))

	if !store.ValidChannel(channel) {
		writeError(c, apperrors.NewValidationError("channel", "unknown channel"))
		return
	}

	if err := s.store.DeleteTemplate(c.Request.Context(), id, channel); err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(c, apperrors.NewNotFoundError("template"))
			return
		}
		writeError(c, apperrors.NewDatabaseError("delete template", err))
		return
	}

	// Non-default locale entries age out through the compiled TTL.
	s.engine.Invalidate(id, channel, s.cfg.Template.DefaultLocale)
	c.Status(http.StatusNoContent)
}

// runCleanup triggers a synchronous retention pass.
func (s *Server) runCleanup(c *gin.Context) {
	result, err := s.cleanup.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			writeError(c, apperrors.NewConflictError("cleanup already running"))
			return
		}
		writeError(c, apperrors.NewInternalError("cleanup failed", err))
		return
	}
	c.JSON(http.StatusOK, result)
}

// runCleanupAsync triggers a retention pass in the background.
func (s *Server) runCleanupAsync(c *gin.Context) {
	s.cleanup.RunAsync(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

// cleanupUser purges one user's notifications, archive rows and
// preferences.
func (s *Server) cleanupUser(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		writeError(c, apperrors.NewValidationError("userId", "userId is required"))
		return
	}
	deleted, err := s.cleanup.RunUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, apperrors.NewInternalError("user cleanup failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "deleted": deleted})
}

// cleanupConfig reports the active retention settings.
func (s *Server) cleanupConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"retentionDays":  s.cfg.Retention.RetentionDays,
		"hardDeleteDays": s.cfg.Retention.HardDeleteDays,
		"cleanupCron":    s.cfg.Retention.CleanupCron,
	})
}

// stats aggregates the operational counters: states, dead letters, cache
// and the delayed retry set.
func (s *Server) stats(c *gin.Context) {
	ctx := c.Request.Context()

	states, err := s.store.StateCounts(ctx)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("state counts", err))
		return
	}
	deadLetters, err := s.store.DeadLetterCounts(ctx)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("dead letter counts", err))
		return
	}

	delayed, err := s.retries.Depth(ctx)
	if err != nil {
		telemetry.LogFromContext(ctx).Warnf("failed to read delayed depth: %v", err)
		delayed = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"states":      states,
		"deadLetters": deadLetters,
		"delayed":     delayed,
		"cache":       s.shared.Stats(),
	})
}

// exportArchive streams the archive as newline-delimited JSON. The export
// is restartable; a failed run has no side effects.
func (s *Server) exportArchive(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	err := s.store.ExportArchived(c.Request.Context(), func(row store.ArchivedRow) error {
		return enc.Encode(row)
	})
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		telemetry.LogFromContext(c.Request.Context()).Errorf("archive export aborted: %v", err)
	}
}

// listDeadLetters lists a queue's dead letters, newest first.
func (s *Server) listDeadLetters(c *gin.Context) {
	queue := c.DefaultQuery("queue", broker.QueueMainDLQ)
	letters, err := s.store.ListDeadLetters(c.Request.Context(), queue, queryInt(c, "limit", 100))
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("list dead letters", err))
		return
	}
	if letters == nil {
		letters = []*store.DeadLetter{}
	}
	c.JSON(http.StatusOK, letters)
}

// replayDeadLetter republishes a dead letter to its original lane with a
// fresh attempt budget and moves the record back to QUEUED.
func (s *Server) replayDeadLetter(c *gin.Context) {
	id, appErr := pathUUID(c, "id")
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	ctx := c.Request.Context()

	dl, err := s.store.GetDeadLetterByNotification(ctx, id)
	if err != nil {
		writeError(c, apperrors.NewNotFoundError("dead letter"))
		return
	}

	routingKey := broker.KeyCreated
	switch dl.Queue {
	case broker.QueueEmailDLQ:
		routingKey = broker.KeyEmailSend
	case broker.QueuePriorityDLQ:
		if n, err := s.store.GetByID(ctx, id); err == nil {
			routingKey = dispatch.RoutingKeyFor(n.Priority)
		}
	}

	zero := 0
	if err := s.store.TransitionState(ctx, id, store.StateDead, store.StateQueued,
		store.TransitionOpts{Attempts: &zero, Detail: "dlq replay"}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperrors.NewNotFoundError("notification"))
			return
		}
		if errors.Is(err, store.ErrConcurrentState) {
			writeError(c, apperrors.NewConflictError("record is not DEAD"))
			return
		}
		writeError(c, apperrors.NewDatabaseError("replay transition", err))
		return
	}

	headers := broker.Headers(0, time.Now(), telemetry.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, routingKey, dl.Body, headers, 0); err != nil {
		writeError(c, apperrors.NewBrokerError("failed to republish dead letter"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"replayed": id.String(), "routingKey": routingKey})
}

// purgeDeadLetters drops all dead letters for a queue.
func (s *Server) purgeDeadLetters(c *gin.Context) {
	queue := c.DefaultQuery("queue", broker.QueueMainDLQ)
	purged, err := s.store.PurgeDeadLetters(c.Request.Context(), queue)
	if err != nil {
		writeError(c, apperrors.NewDatabaseError("purge dead letters", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

// revokeUser invalidates every outstanding token for a user and suppresses
// their deliveries until the epoch expires.
func (s *Server) revokeUser(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		writeError(c, apperrors.NewValidationError("userId", "userId is required"))
		return
	}
	if err := s.revocations.BlacklistAllForUser(c.Request.Context(), userID, 24*time.Hour); err != nil {
		writeError(c, apperrors.NewCacheError("revoke user", err))
		return
	}
	c.Status(http.StatusNoContent)
}
