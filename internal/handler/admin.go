package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"
	"trek-rest-api/pkg/response"
)

// PendingCounter reports how much activity waits in the write-behind buffer.
type PendingCounter interface {
	Count(ctx context.Context) (int64, error)
}

// AdminHandler handles admin-related HTTP requests.
type AdminHandler struct {
	store     store.DocumentStore
	cache     cache.LocalCache
	buffer    PendingCounter // nil when buffering is off
	sync      *service.SyncManager
	storeType string
	startTime time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	st store.DocumentStore,
	c cache.LocalCache,
	buffer PendingCounter,
	sm *service.SyncManager,
	storeType string,
) *AdminHandler {
	return &AdminHandler{
		store:     st,
		cache:     c,
		buffer:    buffer,
		sync:      sm,
		storeType: storeType,
		startTime: time.Now(),
	}
}

func section(stats map[string]interface{}, err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	stats["status"] = "ok"
	return stats
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	// System info
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["store_type"] = h.storeType

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	if sp, ok := h.store.(store.StatsProvider); ok {
		stats["remote_store"] = section(sp.Stats(ctx))
	}
	stats["local_cache"] = section(h.cache.Stats(ctx))

	if h.buffer != nil {
		count, err := h.buffer.Count(ctx)
		stats["activity_buffer"] = section(map[string]interface{}{"pending_items": count}, err)
	} else {
		stats["activity_buffer"] = map[string]interface{}{"status": "not_configured"}
	}

	active := h.sync.Active()
	stats["subscriptions"] = map[string]interface{}{
		"count": len(active),
		"users": active,
	}

	response.OK(w, stats)
}
