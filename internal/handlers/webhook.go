// internal/handlers/webhook.go
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/utils"
)

// MaxWebhookBody bounds a single gateway delivery.
const MaxWebhookBody = 1 << 20

// CallbackReceiver processes one verified-or-not gateway delivery.
type CallbackReceiver interface {
	HandleCallback(ctx context.Context, d callback.Delivery) callback.AckResult
}

type WebhookHandler struct {
	receiver CallbackReceiver
}

func NewWebhookHandler(receiver CallbackReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// POST /webhooks/:provider
func (h *WebhookHandler) Receive(c *gin.Context) {
	received := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Callback body too large", nil)
			return
		}
		utils.BadRequestResponse(c, "Failed to read callback body", nil)
		return
	}

	ack := h.receiver.HandleCallback(c.Request.Context(), callback.Delivery{
		Provider:   c.Param("provider"),
		Headers:    c.Request.Header.Clone(),
		Body:       body,
		RemoteIP:   c.ClientIP(),
		ReceivedAt: received,
	})
	if ack.Redeliver() {
		c.Header("Retry-After", "30")
	}
	c.JSON(ack.HTTPStatus, ack)
}
