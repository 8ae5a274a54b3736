package hub

import (
	"encoding/json"
	"time"

	"whisperwire/internal/convid"
	"whisperwire/internal/event"
	"whisperwire/internal/model"

	"go.uber.org/zap"
)

// handleEvent runs on a worker goroutine. Per-message failures are
// answered on the offending connection only and never abort the worker
// or sibling events.
func (h *Hub) handleEvent(ev event.WsEvent, c *Client) {
	switch ev.Event {
	case event.EventClientMessage:
		h.handleClientMessage(ev, c)
	case event.EventJoinConversation:
		h.handleRoomChange(ev, c, true)
	case event.EventLeaveConversation:
		h.handleRoomChange(ev, c, false)
	case event.EventMessageDelivered:
		h.handleDelivered(ev, c)
	case event.EventMessagesRead:
		h.handleRead(ev, c)
	case event.EventTyping:
		h.handleTyping(ev, c)
	default:
		h.logger.Debug("unknown event type",
			zap.String("event", ev.Event),
			zap.String("client_id", c.ID),
		)
	}
}

// handleClientMessage runs the authoritative send path for an inbound
// encrypted message and acks the sender.
func (h *Hub) handleClientMessage(ev event.WsEvent, c *Client) {
	if h.deliverer == nil {
		h.sendError(c, ev.MessageID, "unavailable", "send path not ready")
		return
	}

	ack := h.deliverer.Deliver(h.ctx, ev.Message, c.userID)
	c.SafeSend(event.NewWsEvent(event.EventSendAck, ev.ChannelID, ev.MessageID, ack), sendTimeout)
}

func (h *Hub) handleRoomChange(ev event.WsEvent, c *Client, join bool) {
	var payload model.RoomChange
	if err := json.Unmarshal(ev.Message, &payload); err != nil {
		h.sendError(c, ev.MessageID, "bad_payload", "malformed room change")
		return
	}

	roomID := convid.Normalize(payload.ConversationID)
	if roomID != payload.ConversationID {
		h.logger.Debug("conversation id normalized",
			zap.String("from", payload.ConversationID),
			zap.String("to", roomID),
		)
	}

	select {
	case h.roomOps <- roomChange{client: c, roomID: roomID, join: join}:
	case <-time.After(sendTimeout):
		h.logger.Warn("room change queue full",
			zap.String("client_id", c.ID),
			zap.String("room_id", roomID),
		)
	case <-h.ctx.Done():
	}
}

// handleDelivered records a delivery receipt and forwards it to the
// conversation room so the sender can advance its status glyph.
func (h *Hub) handleDelivered(ev event.WsEvent, c *Client) {
	var receipt model.DeliveredReceipt
	if err := json.Unmarshal(ev.Message, &receipt); err != nil {
		h.sendError(c, ev.MessageID, "bad_payload", "malformed delivery receipt")
		return
	}

	// The acking user is the connection's verified identity, never the
	// payload's claim.
	receipt.UserID = c.userID
	receipt.DeliveredAt = time.Now().UTC().Format(time.RFC3339)

	if err := h.messages.AddDeliveredTo(h.ctx, receipt.MessageID, receipt.UserID); err != nil {
		h.logger.Error("delivery receipt not persisted",
			zap.String("message_id", receipt.MessageID),
			zap.Error(err),
		)
		return
	}

	roomID := convid.Normalize(receipt.ConversationID)
	if err := h.EmitToRoom(roomID, event.NewWsEvent(event.EventMessageDelivered, roomID, receipt.MessageID, receipt)); err != nil {
		h.logger.Warn("delivery receipt broadcast failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
}

// handleRead records a batched read receipt.
func (h *Hub) handleRead(ev event.WsEvent, c *Client) {
	var receipt model.ReadReceipt
	if err := json.Unmarshal(ev.Message, &receipt); err != nil {
		h.sendError(c, ev.MessageID, "bad_payload", "malformed read receipt")
		return
	}

	receipt.UserID = c.userID
	receipt.ReadAt = time.Now().UTC().Format(time.RFC3339)
	roomID := convid.Normalize(receipt.ConversationID)

	if err := h.messages.MarkRead(h.ctx, roomID, receipt.MessageIDs, receipt.UserID); err != nil {
		h.logger.Error("read receipts not persisted",
			zap.String("conversation_id", roomID),
			zap.Error(err),
		)
		return
	}

	if err := h.EmitToRoom(roomID, event.NewWsEvent(event.EventMessagesRead, roomID, ev.MessageID, receipt)); err != nil {
		h.logger.Warn("read receipt broadcast failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
}

// handleTyping forwards the indicator to the conversation room. Typing
// state is never persisted; clients expire it on their own.
func (h *Hub) handleTyping(ev event.WsEvent, c *Client) {
	var indicator model.TypingIndicator
	if err := json.Unmarshal(ev.Message, &indicator); err != nil {
		return
	}

	indicator.UserID = c.userID
	roomID := convid.Normalize(indicator.ConversationID)
	if err := h.EmitToRoom(roomID, event.NewWsEvent(event.EventTyping, roomID, "", indicator)); err != nil {
		h.logger.Debug("typing broadcast failed", zap.String("room_id", roomID))
	}
}

func (h *Hub) sendError(c *Client, messageID, code, msg string) {
	payload := model.ErrorPayload{Code: code, Message: msg}
	c.SafeSend(event.NewWsEvent(event.EventError, "", messageID, payload), sendTimeout)
}
