// Package handler exposes the hub's HTTP surface: the health endpoint that
// doubles as the discovery match target, and the lock admin API.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"possync/internal/discovery"
	"possync/internal/eventlog"
	"possync/internal/hub"
	"possync/internal/lock"
	"possync/pkg/utils"
)

// HubHandler serves the hub HTTP API.
type HubHandler struct {
	relay     *hub.Relay
	locks     *lock.Manager
	events    eventlog.Store
	tenantID  string
	storeID   string
	version   string
	relayPort int
}

// NewHubHandler creates a hub handler. relayPort is advertised in the health
// body so discovered devices know where to open their sync session.
func NewHubHandler(relay *hub.Relay, locks *lock.Manager, events eventlog.Store, tenantID, storeID, version string, relayPort int) *HubHandler {
	return &HubHandler{
		relay:     relay,
		locks:     locks,
		events:    events,
		tenantID:  tenantID,
		storeID:   storeID,
		version:   version,
		relayPort: relayPort,
	}
}

// Health identifies this process as a sync hub. Discovery matches on the
// service field, so the body is flat JSON rather than the wrapped response.
func (h *HubHandler) Health(c *gin.Context) {
	events, err := h.events.Count(c.Request.Context(), eventlog.Scope{TenantID: h.tenantID, StoreID: h.storeID})
	if err != nil {
		events = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"service":    discovery.ServiceName,
		"version":    h.version,
		"tenant_id":  h.tenantID,
		"store_id":   h.storeID,
		"relay_port": h.relayPort,
		"devices":    h.relay.DeviceCount(),
		"locks":      h.locks.ActiveCount(c.Request.Context()),
		"events":     events,
	})
}

// GetLockStatus returns the lock on an order if one is held and unexpired.
func (h *HubHandler) GetLockStatus(c *gin.Context) {
	tenantID := c.Param("tenant")
	storeID := c.Param("store")
	orderID := c.Param("order")
	if tenantID == "" || storeID == "" || orderID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, utils.CodeInvalidParam, "tenant, store and order are required")
		return
	}

	held, err := h.locks.Status(c.Request.Context(), tenantID, storeID, orderID)
	if err != nil {
		if errors.Is(err, lock.ErrLockNotFound) {
			utils.FailedResponse(c, utils.CodeLockNotFound, "no active lock", nil)
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, utils.CodeInternalError, err.Error())
		return
	}
	utils.SuccessResponse(c, held)
}

// ForceReleaseLock removes a lock with no ownership check. Admin recovery
// path for a stuck order.
func (h *HubHandler) ForceReleaseLock(c *gin.Context) {
	tenantID := c.Param("tenant")
	storeID := c.Param("store")
	orderID := c.Param("order")
	if tenantID == "" || storeID == "" || orderID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, utils.CodeInvalidParam, "tenant, store and order are required")
		return
	}

	if err := h.locks.ForceRelease(c.Request.Context(), tenantID, storeID, orderID); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, utils.CodeInternalError, err.Error())
		return
	}
	utils.SuccessResponse(c, nil)
}

// RegisterRoutes mounts the hub API on a gin engine.
func (h *HubHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.GET("/locks/:tenant/:store/:order", h.GetLockStatus)
		api.POST("/locks/:tenant/:store/:order/force-release", h.ForceReleaseLock)
	}
}
