package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Broker interface {
	IsConnected() bool
}

type HealthHandler struct {
	notifier Notifier
	store    Pinger
	broker   Broker
}

// NewHealthHandler builds the health endpoint. broker may be nil when
// outcome publishing is disabled.
func NewHealthHandler(notifier Notifier, store Pinger, broker Broker) *HealthHandler {
	return &HealthHandler{
		notifier: notifier,
		store:    store,
		broker:   broker,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	// Storage backs every component
	if err := h.store.Ping(ctx); err == nil {
		checks["storage"] = "healthy"
	} else {
		checks["storage"] = "unhealthy"
	}

	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["rabbitmq"] = "healthy"
		} else {
			checks["rabbitmq"] = "degraded"
		}
	}

	// Channels degrade to the local fallback
	channels := h.notifier.HealthCheck(ctx)
	checks["socket"] = channelStatus(channels.Socket)
	checks["gateway_a"] = channelStatus(channels.GatewayA)
	checks["gateway_b"] = channelStatus(channels.GatewayB)
	checks["local"] = channelStatus(channels.Local)

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"channels":  channels,
	})
}

func channelStatus(up bool) string {
	if up {
		return "healthy"
	}
	return "degraded"
}
