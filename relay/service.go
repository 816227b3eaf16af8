// Package relay implements the send pipelines: submit an action to the
// ledger through the custodial signer (or accept a user-signed transaction),
// verify it, persist the canonical row, then fan the confirmed event out.
// Persistence always precedes publish so a reconnecting client never sees a
// live event the backing store does not know about.
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chainchat/relay-go/call"
	"github.com/chainchat/relay-go/hub"
	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/models"
	"github.com/chainchat/relay-go/store"
)

const (
	defaultSubmitTimeout = 90 * time.Second
	readReceiptPageSize  = 500
)

type Service struct {
	store         store.Store
	signer        *ledger.Signer
	verifier      *ledger.Verifier
	calls         *call.Manager
	pub           hub.Publisher
	contract      string
	submitTimeout time.Duration
}

func NewService(st store.Store, signer *ledger.Signer, verifier *ledger.Verifier, calls *call.Manager, pub hub.Publisher, contract string) *Service {
	return &Service{
		store:         st,
		signer:        signer,
		verifier:      verifier,
		calls:         calls,
		pub:           pub,
		contract:      contract,
		submitTimeout: defaultSubmitTimeout,
	}
}

type SendMessageRequest struct {
	ConversationID string
	SenderID       string
	PeerWallet     string
	Content        string
	Kind           models.MessageKind
	ReplyToID      *string
	Anchor         bool // request on-chain anchoring
}

// SendMessage runs the full send pipeline. When anchoring is requested but
// the relay is unconfigured or the node times out, the message still goes
// through off-chain and the user sees success, degraded.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	var txRef *string
	if req.Anchor {
		ref, err := s.submitAnchored(ctx, ledger.ActionSendMessage, ledger.SubmitParams{
			Peer:       req.PeerWallet,
			ContentRef: req.Content,
		}, models.TxPurposeMessage)
		if err != nil {
			return nil, err
		}
		txRef = ref
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Kind:           req.Kind,
		TxRef:          txRef,
		OnChain:        txRef != nil,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	payload := models.NewMessageEvent{Type: models.EventNewMessage, Message: *msg}
	if err := s.pub.PublishEvent(ctx, models.EventNewMessage, payload,
		hub.ConversationRoom(req.ConversationID)); err != nil {
		log.Printf("[relay] publish new_message %s: %v", msg.ID, err)
	}
	return msg, nil
}

// AttachUserTransaction binds a client-submitted transaction to an existing
// off-chain message. The transaction must verifiably originate from the
// claimed wallet and target the chat contract before the row is touched.
func (s *Service) AttachUserTransaction(ctx context.Context, messageID, txRef, senderWallet string) error {
	if s.verifier == nil {
		return ledger.E(ledger.KindNotConfigured, "no chain node configured")
	}

	// A transaction anchors exactly one message.
	if rec, err := s.store.TransactionByHash(ctx, txRef); err == nil && rec.Verified {
		return ledger.E(ledger.KindConflict, "transaction %s already anchors a message", txRef)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := s.verifier.Verify(ctx, txRef, senderWallet, s.contract); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.store.InsertTransactionRecord(ctx, &models.TransactionRecord{
		Hash:      txRef,
		Purpose:   models.TxPurposeMessage,
		Sender:    senderWallet,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	// The verified flip is the gate: of any number of concurrent attaches
	// racing past the lookup above, exactly one performs it.
	flipped, err := s.store.MarkTransactionVerified(ctx, txRef)
	if err != nil {
		return err
	}
	if !flipped {
		return ledger.E(ledger.KindConflict, "transaction %s already anchors a message", txRef)
	}
	return s.store.AttachMessageTxRef(ctx, messageID, txRef)
}

// ClearConversation soft-deletes a conversation's messages in bulk. Receipts
// and reactions stay; history pages simply stop returning them.
func (s *Service) ClearConversation(ctx context.Context, conversationID string) error {
	return s.store.ClearConversation(ctx, conversationID)
}

// CreateConversation resolves or creates the direct conversation between two
// users. Creating the same pair twice returns the existing conversation.
func (s *Service) CreateConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	conv, err := s.store.ConversationByParticipants(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &models.Conversation{
		ID:   uuid.NewString(),
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			{UserID: userA, Role: "member"},
			{UserID: userB, Role: "member"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		// Lost the race to a concurrent create for the same pair; the
		// winner's row is the conversation.
		if errors.Is(err, store.ErrAlreadyExists) {
			return s.store.ConversationByParticipants(ctx, userA, userB)
		}
		return nil, err
	}

	// On-chain registration of the pair is best-effort; the relational row is
	// what the product shows.
	if s.signer.Configured() {
		subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
		if _, err := s.signer.Submit(subCtx, ledger.ActionCreateConversation, ledger.SubmitParams{Peer: userB}); err != nil {
			log.Printf("[relay] on-chain conversation registration failed: %v", err)
		}
	}
	return conv, nil
}

// PostStatus anchors a status post on the ledger. NotConfigured and Timeout
// degrade to an unanchored post.
func (s *Service) PostStatus(ctx context.Context, userID, contentRef string) (txRef *string, err error) {
	return s.submitAnchored(ctx, ledger.ActionPostStatus, ledger.SubmitParams{
		ContentRef: contentRef,
	}, models.TxPurposeStatus)
}

// PlaceCall optionally anchors the call on the ledger, then hands the session
// to the call state machine.
func (s *Service) PlaceCall(ctx context.Context, conversationID, callerID, receiverID, receiverWallet string, callType models.CallType, anchor bool) (*models.Call, error) {
	var txRef *string
	if anchor {
		kind := uint8(0)
		if callType == models.CallVideo {
			kind = 1
		}
		ref, err := s.submitAnchored(ctx, ledger.ActionInitiateCall, ledger.SubmitParams{
			Peer:     receiverWallet,
			CallKind: kind,
		}, models.TxPurposeCall)
		if err != nil {
			return nil, err
		}
		txRef = ref
	}
	return s.calls.Initiate(ctx, conversationID, callerID, receiverID, callType, txRef)
}

// MarkConversationRead upserts receipts for every message the reader has now
// displayed and emits one messages_read event. Re-marking is idempotent.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	msgs, err := s.store.MessagesByConversation(ctx, conversationID, readReceiptPageSize, time.Time{})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].SenderID == readerID {
			continue
		}
		receipt := &models.ReadReceipt{MessageID: msgs[i].ID, ReaderID: readerID, ReadAt: now}
		if err := s.store.UpsertReadReceipt(ctx, receipt); err != nil {
			return err
		}
	}

	payload := models.MessagesReadEvent{
		Type:           models.EventMessagesRead,
		ConversationID: conversationID,
		Reader:         readerID,
		ReadAt:         now,
	}
	if err := s.pub.PublishEvent(ctx, models.EventMessagesRead, payload,
		hub.ConversationRoom(conversationID)); err != nil {
		log.Printf("[relay] publish messages_read %s: %v", conversationID, err)
	}
	return nil
}

// ReactToMessage toggles the (message, user, emoji) triple and publishes the
// resulting added/removed event.
func (s *Service) ReactToMessage(ctx context.Context, messageID, userID, emoji string) (added bool, err error) {
	msg, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return false, err
	}

	reaction := &models.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	added, err = s.store.ToggleReaction(ctx, reaction)
	if err != nil {
		return false, err
	}

	action := models.ReactionAdded
	if !added {
		action = models.ReactionRemoved
	}
	payload := models.MessageReactionEvent{
		Type:           models.EventMessageReaction,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		Emoji:          emoji,
		Action:         action,
		UserID:         userID,
	}
	if err := s.pub.PublishEvent(ctx, models.EventMessageReaction, payload,
		hub.ConversationRoom(msg.ConversationID)); err != nil {
		log.Printf("[relay] publish message_reaction %s: %v", messageID, err)
	}
	return added, nil
}

// History pages a conversation's messages newest-first for client
// reconciliation.
func (s *Service) History(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error) {
	return s.store.MessagesByConversation(ctx, conversationID, limit, before)
}

// submitAnchored runs one relayed submission with the decision table applied:
// Fallback degrades to the off-chain path (nil txRef), Retry recovers once,
// Surface propagates. A successful submission is verified and recorded before
// the caller persists anything referencing it.
func (s *Service) submitAnchored(ctx context.Context, action ledger.Action, params ledger.SubmitParams, purpose models.TxPurpose) (*string, error) {
	subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	txHash, err := s.signer.Submit(subCtx, action, params)
	if err != nil && ledger.Decide(ledger.KindOf(err)) == ledger.Retry {
		if txHash != "" {
			// The transaction already left the signer, so the outcome is
			// ambiguous and a fresh submission would double-spend the
			// action. Check whether the first attempt landed instead.
			log.Printf("[relay] %s attempt %s failed ambiguously, verifying: %v", action, txHash, err)
			if verr := s.verifier.Verify(subCtx, txHash, s.signer.Address(), s.contract); verr == nil {
				err = nil
			}
		} else {
			log.Printf("[relay] retrying %s after transient failure: %v", action, err)
			txHash, err = s.signer.Submit(subCtx, action, params)
		}
	}
	if err != nil {
		switch ledger.Decide(ledger.KindOf(err)) {
		case ledger.Fallback:
			log.Printf("[relay] %s degraded to off-chain path: %v", action, err)
			return nil, nil
		default:
			return nil, err
		}
	}

	if err := s.verifier.Verify(ctx, txHash, s.signer.Address(), s.contract); err != nil {
		return nil, err
	}
	if err := s.recordVerified(ctx, txHash, s.signer.Address(), purpose); err != nil {
		return nil, err
	}
	return &txHash, nil
}

func (s *Service) recordVerified(ctx context.Context, txHash, sender string, purpose models.TxPurpose) error {
	now := time.Now().UTC()
	return s.store.InsertTransactionRecord(ctx, &models.TransactionRecord{
		Hash:       txHash,
		Purpose:    purpose,
		Sender:     sender,
		Verified:   true,
		VerifiedAt: &now,
		CreatedAt:  now,
	})
}
