package handlers

import (
	"net/http"

	harvia "harvia_mirror"

	"github.com/gin-gonic/gin"
)

const (
	statusOK   = "ok"
	statusSent = "sent"

	errUnknownDevice  = "unknown device"
	errUnknownField   = "unknown command field"
	errSendCommand    = "failed to send command"
	errInvalidBodyPre = "invalid body: "
)

// commandFields are the wire keys a local command may set: the switch and
// number surfaces of the controller.
var commandFields = map[string]bool{
	"active":     true,
	"light":      true,
	"fan":        true,
	"steamEn":    true,
	"aromaEn":    true,
	"autoLight":  true,
	"autoFan":    true,
	"dehumEn":    true,
	"targetTemp": true,
	"targetRh":   true,
	"aromaLevel": true,
	"onTime":     true,
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// listDevices returns the full account mirror.
func (h *Handler) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// getDevice returns one mirrored record.
func (h *Handler) getDevice(c *gin.Context) {
	dev, ok := h.engine.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errUnknownDevice})
		return
	}
	c.JSON(http.StatusOK, dev)
}

// commandRequest carries one field change for a device.
type commandRequest struct {
	Field string `json:"field" binding:"required"` // e.g. "light", "targetTemp"
	Value any    `json:"value" binding:"required"` // 0/1 for switches, integer for numbers
}

// sendCommand forwards a state change to the cloud and applies it
// optimistically so the mirror reflects intent before the server echo.
func (h *Handler) sendCommand(c *gin.Context) {
	deviceID := c.Param("id")

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPre + err.Error()})
		return
	}
	if !commandFields[req.Field] {
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownField})
		return
	}

	ctx := c.Request.Context()
	if err := h.engine.RequestOptimisticUpdate(ctx, deviceID, req.Field, req.Value); err != nil {
		if h.log != nil {
			h.log.Errorw("command_send_failed", "err", err, "device", deviceID, "field", req.Field)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": errSendCommand})
		return
	}

	if h.events != nil {
		_ = h.events.Append(ctx, harvia.SyncEvent{
			Type:        "COMMAND",
			Description: "state change requested",
			Metadata:    map[string]any{"device": deviceID, "field": req.Field, "value": req.Value},
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": statusSent, "device": deviceID, "field": req.Field})
}
