package handlers

import "github.com/gin-gonic/gin"

type Router struct {
	Health        *HealthHandler
	Notifications *NotificationHandler
	Preferences   *PreferencesHandler
	Events        *EventHandler
}

// Register mounts the API. auth guards everything but /health and may be nil.
func (rt Router) Register(r *gin.Engine, auth gin.HandlerFunc) {
	r.GET("/health", rt.Health.HealthCheck)

	v1 := r.Group("/v1")
	if auth != nil {
		v1.Use(auth)
	}
	v1.POST("/notifications", rt.Notifications.Send)
	v1.POST("/notifications/broadcast", rt.Notifications.Broadcast)
	v1.GET("/notifications", rt.Notifications.List)
	v1.DELETE("/notifications", rt.Notifications.Clear)
	v1.DELETE("/notifications/:id", rt.Notifications.Cancel)
	v1.POST("/socket/reconnect", rt.Notifications.Reconnect)

	v1.GET("/users/:id/preferences", rt.Preferences.Get)
	v1.PATCH("/users/:id/preferences", rt.Preferences.Update)
	v1.DELETE("/users/:id/preferences", rt.Preferences.Reset)

	v1.POST("/events", rt.Events.Schedule)
	v1.PUT("/events/:id", rt.Events.Reschedule)
	v1.DELETE("/events/:id", rt.Events.Cancel)
	v1.GET("/events/:id/reminders", rt.Events.Reminders)
}
