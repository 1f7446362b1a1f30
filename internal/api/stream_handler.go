package api

import (
	"io"
	"net/http"
	"strconv"

	"shelfgate/internal/dto/resp"
	"shelfgate/internal/middleware"
	"shelfgate/pkg/resolver"
	"shelfgate/internal/service"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamProvider is the read plane surface: snapshots, watch compensation
// and local evaluation.
type StreamProvider interface {
	GetCompensation(lastRev int64) ([]v1.Update, bool)
	SnapshotEntries(tenantID string) ([]v1.Entry, map[string]bool, int64)
	Evaluate(key, tenantID, region string) resolver.Decision
}

type StreamHandler struct {
	service StreamProvider
	hub     *service.Hub
}

func NewStreamHandler(service StreamProvider, hub *service.Hub) *StreamHandler {
	return &StreamHandler{
		service: service,
		hub:     hub,
	}
}

// WatchFlags is the storefront SSE feed. The client reconnects with its last
// seen revision and gets the gap replayed from the ring buffer; if it fell
// too far behind it receives a reset event and must refetch the snapshot.
func (h *StreamHandler) WatchFlags(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	tenantID := c.GetString(middleware.TenantIDKey)
	logger.Info("stream client connected",
		zap.String("tenant", tenantID),
		zap.String("ip", c.ClientIP()),
	)

	var lastRev int64
	if lastRevStr := c.Query("last_rev"); lastRevStr != "" {
		lastRev, _ = strconv.ParseInt(lastRevStr, 10, 64)
	}

	client := &service.Client{
		Send:     make(chan v1.Update, 128),
		TenantID: tenantID,
	}

	h.hub.Register <- client
	defer func() {
		h.hub.Unregister <- client
	}()

	updates, ok := h.service.GetCompensation(lastRev)
	maxSentRev := lastRev
	if ok {
		for _, u := range updates {
			if !client.WantsUpdate(u) {
				continue
			}
			c.SSEvent("message", u)
			maxSentRev = u.Revision
		}
	} else {
		c.SSEvent("reset", "revision_too_old")
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-client.Send:
			if !ok {
				return false
			}

			if u.Kind == v1.KindPing {
				c.SSEvent("ping", "pong")
				return true
			}

			// The compensation replay may overlap the live feed
			if u.Revision <= maxSentRev {
				return true
			}
			c.SSEvent("message", u)
			maxSentRev = u.Revision
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// DashboardWatch feeds the admin UI: every tenant's updates, unscoped.
func (h *StreamHandler) DashboardWatch(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	operator := service.GetOperator(c.Request.Context())
	logger.Info("dashboard client connected",
		zap.String("operator", operator),
		zap.String("ip", c.ClientIP()),
	)

	client := &service.Client{
		Send:       make(chan v1.Update, 128),
		AllTenants: true,
	}

	h.hub.Register <- client
	defer func() {
		h.hub.Unregister <- client
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-client.Send:
			if !ok {
				return false
			}
			if u.Kind == v1.KindPing {
				c.SSEvent("ping", "pong")
				return true
			}
			c.SSEvent("message", u)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Snapshot returns every entry visible to the caller's tenant, the baseline
// platform defaults, and the revision to resume watching from.
func (h *StreamHandler) Snapshot(c *gin.Context) {
	tenantID := c.GetString(middleware.TenantIDKey)
	entries, defaults, rev := h.service.SnapshotEntries(tenantID)

	c.JSON(http.StatusOK, resp.SnapshotResponse{
		Data:     entries,
		Defaults: defaults,
		Revision: rev,
	})
}

// Evaluate resolves one flag server-side for thin clients that do not keep a
// local snapshot. Unknown keys come back disabled, never as an error.
func (h *StreamHandler) Evaluate(c *gin.Context) {
	key := c.Param("flag")
	tenantID := c.GetString(middleware.TenantIDKey)
	region := c.Query("region")

	d := h.service.Evaluate(key, tenantID, region)
	c.JSON(http.StatusOK, resp.EvaluateResponse{
		Key:     key,
		Enabled: d.Enabled,
		Source:  d.Source,
	})
}
