package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/notifications"
	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/response"
)

// EventsHandler upgrades authenticated requests into the recipient's event stream.
type EventsHandler struct {
	hub      *notifications.Hub
	gifts    *services.GiftService
	messages services.Messages
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(hub *notifications.Hub, gifts *services.GiftService, messages services.Messages) *EventsHandler {
	if messages == nil {
		messages = services.TemplateMessages{Templates: services.DefaultMessageTemplates()}
	}
	return &EventsHandler{hub: hub, gifts: gifts, messages: messages}
}

// GET /api/mailbox/events
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	recipient := subject(c)
	ctx := requestContext(c)
	h.hub.Serve(recipient, c.Writer, c.Request, func() {
		count, err := h.gifts.CountGifts(ctx, recipient)
		if err != nil {
			logger.WithRecipient("notifications", recipient).Warn("join count failed", zap.Error(err))
			return
		}
		if count <= 0 {
			return
		}
		h.hub.Notify(gifts.Notice{
			Key:       services.NoticeJoin,
			Recipient: recipient,
			Message: h.messages.Render(services.NoticeJoin, map[string]string{
				"%amount%": strconv.FormatInt(count, 10),
			}),
		})
	})
}
