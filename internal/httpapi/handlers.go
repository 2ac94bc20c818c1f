package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"comms-pipeline/internal/auth"
	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/conversation"
	"comms-pipeline/internal/messages"
	"comms-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Handlers groups the authenticated /v1 API.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls         *calls.Service
	Messages      *messages.Service
	Conversations *conversation.Service

	validate *validator.Validate
}

func NewHandlers(c *calls.Service, m *messages.Service, conv *conversation.Service) Handlers {
	return Handlers{Calls: c, Messages: m, Conversations: conv, validate: validator.New()}
}

func (h Handlers) identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		abort(c, http.StatusUnauthorized, "identity required", nil)
		return auth.Identity{}, false
	}
	return id, true
}

// bind decodes the JSON body into dst and runs the struct validation tags.
func (h Handlers) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abort(c, http.StatusBadRequest, "invalid json", nil)
		return false
	}
	v := h.validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(dst); err != nil {
		abort(c, http.StatusBadRequest, "validation failed", err.Error())
		return false
	}
	return true
}

// --- Calls ---

type placeCallRequest struct {
	To         string `json:"to" validate:"required,max=32"`
	ContactKey string `json:"contact_key" validate:"omitempty,max=128"`
}

type placeCallResponse struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

// PlaceCall POST /v1/calls
func (h Handlers) PlaceCall(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req placeCallRequest
	if !h.bind(c, &req) {
		return
	}

	rec, err := h.Calls.PlaceCall(c.Request.Context(), calls.PlaceCallRequest{
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		To:          req.To,
		ContactKey:  strings.TrimSpace(req.ContactKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, placeCallResponse{CallSID: rec.CallSID, Status: string(rec.Status)})
}

// GetCall GET /v1/calls/:call_sid
func (h Handlers) GetCall(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), id.WorkspaceID, c.Param("call_sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// StreamRecording GET /v1/calls/:call_sid/recording proxies the provider audio
// with our credentials; the provider URL never reaches the client.
func (h Handlers) StreamRecording(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Recording(c.Request.Context(), id.WorkspaceID, c.Param("call_sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rec.Body.Close()

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	c.Header("Cache-Control", "private, no-store")
	if rec.ContentLength >= 0 {
		c.Header("Content-Length", strconv.FormatInt(rec.ContentLength, 10))
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rec.Body); err != nil {
		logger.FromGin(c).Warn("recording stream interrupted", "call_sid", c.Param("call_sid"), "err", err)
	}
}

// --- Messages ---

type sendMessageRequest struct {
	Channel      string     `json:"channel" validate:"required,oneof=sms email"`
	To           string     `json:"to" validate:"required,max=320"`
	Subject      string     `json:"subject" validate:"omitempty,max=998"`
	Body         string     `json:"body" validate:"required"`
	ScheduledFor *time.Time `json:"scheduled_for"`
	ContactKey   string     `json:"contact_key" validate:"omitempty,max=128"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// SendMessage POST /v1/messages
//
// The response is 202 whether the message went out inline or was scheduled;
// a provider refusal shows up as status=failed with the provider's reason.
func (h Handlers) SendMessage(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !h.bind(c, &req) {
		return
	}

	m, err := h.Messages.Send(c.Request.Context(), messages.SendRequest{
		UserID:       id.UserID,
		WorkspaceID:  id.WorkspaceID,
		Channel:      messages.Channel(req.Channel),
		To:           req.To,
		Subject:      req.Subject,
		Body:         req.Body,
		ScheduledFor: req.ScheduledFor,
		ContactKey:   strings.TrimSpace(req.ContactKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sendMessageResponse{MessageID: m.ID, Status: string(m.Status), LastError: m.LastError})
}

// GetMessage GET /v1/messages/:message_id
func (h Handlers) GetMessage(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	m, err := h.Messages.Get(c.Request.Context(), id.WorkspaceID, c.Param("message_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// --- Conversations ---

// GetConversation GET /v1/conversations/:contact_key
func (h Handlers) GetConversation(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	th, err := h.Conversations.Get(c.Request.Context(), id.WorkspaceID, c.Param("contact_key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}
