package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/service"
	"trek-rest-api/pkg/apierror"
	"trek-rest-api/pkg/response"

	"go.uber.org/zap"
)

// SyncHandler starts and stops cache mirroring and streams cache changes.
type SyncHandler struct {
	sync      *service.SyncManager
	cache     cache.LocalCache
	heartbeat time.Duration
	logger    *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(sm *service.SyncManager, c cache.LocalCache, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		sync:      sm,
		cache:     c,
		heartbeat: 15 * time.Second,
		logger:    logger.Named("events"),
		done:      make(chan struct{}),
	}
}

// Shutdown ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so streams do not hold up a graceful stop.
func (h *SyncHandler) Shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
}

// SubscriptionResponse describes a user's mirroring state.
type SubscriptionResponse struct {
	UserID    string `json:"user_id"`
	Active    bool   `json:"active"`
	Listeners int    `json:"listeners"`
}

// Subscribe handles POST /api/v1/users/{user_id}/sync
func (h *SyncHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	sub, err := h.sync.Subscribe(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.OK(w, SubscriptionResponse{
		UserID:    uid,
		Active:    sub.Active(),
		Listeners: sub.Listeners(),
	})
}

// Unsubscribe handles DELETE /api/v1/users/{user_id}/sync
func (h *SyncHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	if !h.sync.UnsubscribeUser(uid) {
		response.Error(w, apierror.NotFound("No active subscription for "+uid))
		return
	}
	response.NoContent(w)
}

// Events handles GET /api/v1/users/{user_id}/events as a server-sent event
// stream of cache changes for the user.
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	changes, cancel := h.cache.Subscribe(uid)
	defer cancel()

	// streams outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming unsupported", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.logger.Warn("encoding change failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Entity, data); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		}
	}
}
