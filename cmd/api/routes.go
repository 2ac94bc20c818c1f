package main

import (
	"comms-pipeline/internal/auth"
	"comms-pipeline/internal/httpapi"
	"comms-pipeline/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, authMW gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signed).
	hooks := r.Group("/webhooks/twilio")
	hooks.Use(httpapi.ClientIP())
	if a.cfg.Twilio.ValidateSignatures {
		hooks.Use(telephony.RequireSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicBaseURL))
	}
	{
		w := a.webhooks
		hooks.POST("/voice", w.Voice)
		hooks.POST("/call-status", w.CallStatus)
		hooks.POST("/recording-status", w.RecordingStatus)
		hooks.POST("/dial-complete", w.DialComplete)
		hooks.POST("/message-status", w.MessageStatus)
		hooks.POST("/sms", w.InboundSMS)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		h := a.handlers

		v1.GET("/me", func(c *gin.Context) {
			id, err := auth.FromContext(c.Request.Context())
			if err != nil {
				c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized"})
				return
			}
			c.JSON(200, gin.H{"user_id": id.UserID, "workspace_id": id.WorkspaceID})
		})

		v1.POST("/calls", h.PlaceCall)
		v1.GET("/calls/:call_sid", h.GetCall)
		v1.GET("/calls/:call_sid/recording", h.StreamRecording)

		v1.POST("/messages", h.SendMessage)
		v1.GET("/messages/:message_id", h.GetMessage)

		v1.GET("/conversations/:contact_key", h.GetConversation)
	}
}
