package handlers

import (
	"time"

	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/relay"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type RelayHandler struct {
	relay        *relay.Relay
	logger       *logger.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
}

func NewRelayHandler(r *relay.Relay, logger *logger.Logger, writeTimeout, pingInterval time.Duration) *RelayHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &RelayHandler{relay: r, logger: logger, writeTimeout: writeTimeout, pingInterval: pingInterval}
}

// Status reports the upstream state and downstream client count.
func (h *RelayHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.relay.Status())
}

// Handle serves one downstream websocket for its whole lifetime.
func (h *RelayHandler) Handle(c *websocket.Conn) {
	client := h.relay.Join()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c, client)
	}()

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			break
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			h.relay.Forward(messageType, data)
		}
	}

	h.relay.Leave(client)
	<-writerDone
}

func (h *RelayHandler) writePump(c *websocket.Conn, client *relay.Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-client.Send():
			if err := h.write(c, msg); err != nil {
				h.logger.Debugw("relay_client_write_failed", "client_id", client.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			h.drain(c, client)
			_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before the client was closed, such as a relay_failed notice.
func (h *RelayHandler) drain(c *websocket.Conn, client *relay.Client) {
	for {
		select {
		case msg := <-client.Send():
			if err := h.write(c, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *RelayHandler) write(c *websocket.Conn, msg relay.Message) error {
	_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.WriteMessage(msg.Type, msg.Data)
}
