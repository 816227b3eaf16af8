package main

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chainchat/relay-go/call"
	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/models"
	"github.com/chainchat/relay-go/relay"
	"github.com/chainchat/relay-go/store"
)

const defaultHistoryLimit = 50

type errorResponse struct {
	Error string `json:"error"`
}

func statusForKind(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindNotFound:
		return fiber.StatusNotFound
	case ledger.KindConflict:
		return fiber.StatusConflict
	case ledger.KindSenderMismatch, ledger.KindWrongTarget, ledger.KindExecutionFailed, ledger.KindRejected:
		return fiber.StatusUnprocessableEntity
	case ledger.KindInsufficientFunds:
		return fiber.StatusPaymentRequired
	case ledger.KindNotConfigured, ledger.KindTimeout:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func sendErr(c *fiber.Ctx, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "not found"})
	}
	kind := ledger.KindOf(err)
	log.Printf("[api] %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(statusForKind(kind)).JSON(errorResponse{Error: ledger.UserMessage(kind)})
}

// requireUser reads the identity established by the auth layer in front of us.
func requireUser(c *fiber.Ctx) (string, error) {
	userID := c.Get("X-User-Id")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if userID == "" {
		return "", c.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: "user identity required"})
	}
	return userID, nil
}

func createConversationHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		PeerID string `json:"peer_id"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.PeerID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "peer_id is required"})
		}
		conv, err := svc.CreateConversation(c.Context(), userID, req.PeerID)
		if err != nil {
			return sendErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(conv)
	}
}

func historyHandler(svc *relay.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		limit := c.QueryInt("limit", defaultHistoryLimit)
		before := time.Now()
		if v := c.Query("before"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "before must be RFC3339"})
			}
			before = parsed
		}
		msgs, err := svc.History(c.Context(), c.Params("id"), limit, before)
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(fiber.Map{"messages": msgs})
	}
}

func markReadHandler(svc *relay.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		if err := svc.MarkConversationRead(c.Context(), c.Params("id"), userID); err != nil {
			return sendErr(c, err)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func clearConversationHandler(svc *relay.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		if err := svc.ClearConversation(c.Context(), c.Params("id")); err != nil {
			return sendErr(c, err)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func sendMessageHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		ConversationID string  `json:"conversation_id"`
		PeerWallet     string  `json:"peer_wallet"`
		Content        string  `json:"content"`
		Kind           string  `json:"kind"`
		ReplyToID      *string `json:"reply_to_id"`
		Anchor         bool    `json:"anchor"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.ConversationID == "" || req.Content == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "conversation_id and content are required"})
		}
		kind := models.MessageKind(req.Kind)
		if kind == "" {
			kind = models.MessageText
		}
		msg, err := svc.SendMessage(c.Context(), relay.SendMessageRequest{
			ConversationID: req.ConversationID,
			SenderID:       userID,
			PeerWallet:     req.PeerWallet,
			Content:        req.Content,
			Kind:           kind,
			ReplyToID:      req.ReplyToID,
			Anchor:         req.Anchor,
		})
		if err != nil {
			return sendErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(msg)
	}
}

func attachTransactionHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		TxRef string `json:"tx_ref"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.TxRef == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "tx_ref is required"})
		}
		if err := svc.AttachUserTransaction(c.Context(), c.Params("id"), req.TxRef, userID); err != nil {
			return sendErr(c, err)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func reactionHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		Emoji string `json:"emoji"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.Emoji == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "emoji is required"})
		}
		added, err := svc.ReactToMessage(c.Context(), c.Params("id"), userID, req.Emoji)
		if err != nil {
			return sendErr(c, err)
		}
		action := models.ReactionRemoved
		if added {
			action = models.ReactionAdded
		}
		return c.JSON(fiber.Map{"action": action})
	}
}

func postStatusHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		ContentRef string `json:"content_ref"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.ContentRef == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "content_ref is required"})
		}
		txRef, err := svc.PostStatus(c.Context(), userID, req.ContentRef)
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(fiber.Map{"tx_ref": txRef})
	}
}

func placeCallHandler(svc *relay.Service) fiber.Handler {
	type request struct {
		ConversationID string `json:"conversation_id"`
		ReceiverID     string `json:"receiver_id"`
		ReceiverWallet string `json:"receiver_wallet"`
		CallType       string `json:"call_type"`
		Anchor         bool   `json:"anchor"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}
		if req.ConversationID == "" || req.ReceiverID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "conversation_id and receiver_id are required"})
		}
		callType := models.CallAudio
		if req.CallType == string(models.CallVideo) {
			callType = models.CallVideo
		}
		callRow, err := svc.PlaceCall(c.Context(), req.ConversationID, userID, req.ReceiverID, req.ReceiverWallet, callType, req.Anchor)
		if err != nil {
			return sendErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(callRow)
	}
}

func callAcceptHandler(m *call.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		callRow, err := m.Accept(c.Context(), c.Params("id"), userID)
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(callRow)
	}
}

func callDeclineHandler(m *call.Manager) fiber.Handler {
	type request struct {
		DeclinerName string `json:"decliner_name"`
	}
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		var req request
		_ = c.BodyParser(&req)
		if req.DeclinerName == "" {
			req.DeclinerName = userID
		}
		callRow, err := m.Decline(c.Context(), c.Params("id"), req.DeclinerName)
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(callRow)
	}
}

func callCancelHandler(m *call.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		callRow, err := m.Cancel(c.Context(), c.Params("id"))
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(callRow)
	}
}

func callEndHandler(m *call.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := requireUser(c)
		if userID == "" {
			return err
		}
		callRow, err := m.End(c.Context(), c.Params("id"))
		if err != nil {
			return sendErr(c, err)
		}
		return c.JSON(callRow)
	}
}
