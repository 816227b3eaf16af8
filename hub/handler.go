package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"

	"github.com/chainchat/relay-go/models"
	"github.com/chainchat/relay-go/store"
)

type Operation string

const (
	OpPing              Operation = "ping"
	OpJoinConversation  Operation = "join_conversation"
	OpLeaveConversation Operation = "leave_conversation"
	OpTyping            Operation = "typing"
	OpSignal            Operation = "signal"
)

type Envelope struct {
	Id        *string   `json:"id"`
	Operation Operation `json:"operation"`
	// Keep the rest raw: unmarshal once into Envelope, then again into the
	// op-specific struct.
}

type JoinRequest struct {
	ConversationID string `json:"conversation_id"`
}

type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// SignalRequest carries the opaque media negotiation payload. The hub relays
// it to the conversation room without interpreting it.
type SignalRequest struct {
	ConversationID string          `json:"conversation_id"`
	CallID         string          `json:"call_id"`
	Signal         json.RawMessage `json:"signal"`
}

type SSERequest struct {
	Id              *string  `json:"id"`
	ConversationIDs []string `json:"conversation_ids"`
}

type ErrorResponse struct {
	Id    *string `json:"id,omitempty"`
	Error string  `json:"error"`
}

type StatusResponse struct {
	Id     *string `json:"id,omitempty"`
	Status string  `json:"status"`
}

// HandlerConfig provides runtime dependencies for the connection handlers.
type HandlerConfig struct {
	Hub       *Hub
	Store     store.Store
	Publisher Publisher
}

// sendWSJSONErr centralises websocket error frames.
func sendWSJSONErr(c *websocket.Conn, id *string, err error) {
	if msg, e := json.Marshal(ErrorResponse{Id: id, Error: err.Error()}); e == nil {
		_ = c.WriteMessage(websocket.TextMessage, msg)
	} else {
		log.Printf("marshal error response: %v", e)
	}
}

// userInConversation authorizes room joins: only participants may subscribe
// to a conversation room.
func userInConversation(ctx context.Context, st store.Store, conversationID, userID string) (bool, error) {
	conv, err := st.ConversationByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, p := range conv.Participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// WebSocketHandler authenticates once at connect time (identity established
// by the upstream auth layer, passed as X-User-Id), then serves join/leave/
// typing/signal operations until the connection drops.
func WebSocketHandler(cfg HandlerConfig) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		userID := c.Headers("X-User-Id")
		if userID == "" {
			userID = c.Query("user_id")
		}
		if userID == "" {
			sendWSJSONErr(c, nil, fmt.Errorf("missing user identity"))
			c.Close()
			return
		}

		clientID := fmt.Sprintf("%s-%s", c.RemoteAddr(), time.Now().Format(time.RFC3339Nano))

		if err := cfg.Hub.rateLimiter.RegisterConnection(userID, clientID); err != nil {
			sendWSJSONErr(c, nil, err)
			c.Close()
			return
		}

		client := &Client{
			ID:        clientID,
			UserID:    userID,
			Connected: true,
			SendEvent: func(b []byte) error { return c.WriteMessage(websocket.TextMessage, b) },
		}
		cfg.Hub.Register(client)
		defer client.Disconnect(cfg.Hub)

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				sendWSJSONErr(c, nil, fmt.Errorf("invalid request: %v", err))
				continue
			}

			switch env.Operation {
			case OpPing:
				ack, _ := json.Marshal(StatusResponse{Id: env.Id, Status: "pong"})
				_ = c.WriteMessage(websocket.TextMessage, ack)

			case OpJoinConversation:
				var req JoinRequest
				if err := json.Unmarshal(msg, &req); err != nil || req.ConversationID == "" {
					sendWSJSONErr(c, env.Id, fmt.Errorf("conversation_id is required"))
					continue
				}
				ok, err := userInConversation(context.Background(), cfg.Store, req.ConversationID, userID)
				if err != nil {
					sendWSJSONErr(c, env.Id, fmt.Errorf("unknown conversation"))
					continue
				}
				if !ok {
					sendWSJSONErr(c, env.Id, fmt.Errorf("not a participant"))
					continue
				}
				cfg.Hub.Join(client, ConversationRoom(req.ConversationID))
				ack, _ := json.Marshal(StatusResponse{Id: env.Id, Status: "joined"})
				_ = c.WriteMessage(websocket.TextMessage, ack)

			case OpLeaveConversation:
				var req JoinRequest
				if err := json.Unmarshal(msg, &req); err != nil || req.ConversationID == "" {
					sendWSJSONErr(c, env.Id, fmt.Errorf("conversation_id is required"))
					continue
				}
				cfg.Hub.Leave(client, ConversationRoom(req.ConversationID))
				ack, _ := json.Marshal(StatusResponse{Id: env.Id, Status: "left"})
				_ = c.WriteMessage(websocket.TextMessage, ack)

			case OpTyping:
				var req TypingRequest
				if err := json.Unmarshal(msg, &req); err != nil || req.ConversationID == "" {
					sendWSJSONErr(c, env.Id, fmt.Errorf("conversation_id is required"))
					continue
				}
				payload := models.TypingEvent{
					Type:           models.EventTyping,
					ConversationID: req.ConversationID,
					UserID:         userID,
					IsTyping:       req.IsTyping,
				}
				if err := cfg.Publisher.PublishEvent(context.Background(), models.EventTyping, payload,
					ConversationRoom(req.ConversationID)); err != nil {
					log.Printf("[hub] publish typing event: %v", err)
				}

			case OpSignal:
				var req SignalRequest
				if err := json.Unmarshal(msg, &req); err != nil || req.ConversationID == "" {
					sendWSJSONErr(c, env.Id, fmt.Errorf("conversation_id is required"))
					continue
				}
				payload := models.CallSignalEvent{
					Type:           models.EventCallSignal,
					ConversationID: req.ConversationID,
					CallID:         req.CallID,
					FromUserID:     userID,
					Signal:         req.Signal,
				}
				if err := cfg.Publisher.PublishEvent(context.Background(), models.EventCallSignal, payload,
					ConversationRoom(req.ConversationID)); err != nil {
					log.Printf("[hub] publish signal event: %v", err)
				}

			default:
				sendWSJSONErr(c, env.Id, fmt.Errorf("unknown operation: %s", env.Operation))
			}
		}
	}
}

// writeSSE marshals a single Server-Sent-Event frame.
func writeSSEBytes(w *bufio.Writer, event string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return w.Flush()
}

// SSEHandler is the read-only delivery path: the client states up front which
// conversations it wants, then only receives.
func SSEHandler(cfg HandlerConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			userID = c.Query("user_id")
		}
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "missing user identity"})
		}

		var req SSERequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: fmt.Sprintf("invalid subscription request: %v", err)})
		}

		for _, convID := range req.ConversationIDs {
			ok, err := userInConversation(c.Context(), cfg.Store, convID, userID)
			if err != nil || !ok {
				return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{Id: req.Id, Error: fmt.Sprintf("not a participant of %s", convID)})
			}
		}

		clientID := fmt.Sprintf("%s-%s", c.IP(), time.Now().Format(time.RFC3339Nano))
		if err := cfg.Hub.rateLimiter.RegisterConnection(userID, clientID); err != nil {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{Id: req.Id, Error: err.Error()})
		}

		eventCh := make(chan []byte, 16)
		client := &Client{
			ID:        clientID,
			UserID:    userID,
			Connected: true,
			SendEvent: func(b []byte) error {
				select {
				case eventCh <- b:
				default: // drop if buffer full
				}
				return nil
			},
		}
		cfg.Hub.Register(client)
		for _, convID := range req.ConversationIDs {
			cfg.Hub.Join(client, ConversationRoom(convID))
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		c.Status(fiber.StatusOK).Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			if data, err := json.Marshal(StatusResponse{Id: req.Id, Status: "subscribed"}); err == nil {
				if err := writeSSEBytes(w, "connected", data); err != nil {
					return
				}
			}

			keepAlive := time.NewTicker(15 * time.Second)
			defer keepAlive.Stop()

			for {
				select {
				case data := <-eventCh:
					if err := writeSSEBytes(w, "event", data); err != nil {
						client.Disconnect(cfg.Hub)
						return
					}
				case <-keepAlive.C:
					if _, err := w.WriteString(": keepalive\n\n"); err != nil {
						client.Disconnect(cfg.Hub)
						return
					}
					_ = w.Flush()
				}
			}
		}))
		return nil
	}
}
