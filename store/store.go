package store

import (
	"context"
	"errors"
	"time"

	"github.com/chainchat/relay-go/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert collides with a row that
// uniqueness rules say must stay singular, such as the direct conversation
// of a participant pair.
var ErrAlreadyExists = errors.New("already exists")

// CallStamp carries the timestamps a call-status transition writes alongside
// the status itself. Nil fields are left untouched.
type CallStamp struct {
	StartedAt   *time.Time
	EndedAt     *time.Time
	DurationSec int64
}

// Store is the narrow read/write contract the relay core uses. Postgres is
// authoritative for what the product shows; the ledger stays authoritative
// for "verified".
type Store interface {
	// InsertConversation creates the row with its participants. Direct
	// conversations are singular per pair; a duplicate insert, concurrent or
	// not, fails with ErrAlreadyExists.
	InsertConversation(ctx context.Context, conv *models.Conversation) error
	ConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	// ConversationByParticipants resolves the direct conversation between two
	// users, in either participant order.
	ConversationByParticipants(ctx context.Context, userA, userB string) (*models.Conversation, error)

	InsertMessage(ctx context.Context, msg *models.Message) error
	MessageByID(ctx context.Context, id string) (*models.Message, error)
	// MessagesByConversation pages history newest-first; zero `before` means
	// from the latest message.
	MessagesByConversation(ctx context.Context, convID string, limit int, before time.Time) ([]models.Message, error)
	// AttachMessageTxRef records the anchoring transaction after asynchronous
	// confirmation. It is the only mutation a message row ever sees.
	AttachMessageTxRef(ctx context.Context, messageID, txRef string) error
	ClearConversation(ctx context.Context, convID string) error

	UpsertReadReceipt(ctx context.Context, receipt *models.ReadReceipt) error
	// ToggleReaction inserts the (message, user, emoji) triple, or deletes it
	// when it already exists. Reports whether the reaction is now present.
	ToggleReaction(ctx context.Context, reaction *models.Reaction) (added bool, err error)

	InsertCall(ctx context.Context, call *models.Call) error
	CallByID(ctx context.Context, id string) (*models.Call, error)
	// UpdateCallStatus commits the transition only if the row's current
	// status is still one of `from` (compare-and-swap). Reports whether this
	// writer won.
	UpdateCallStatus(ctx context.Context, id string, from []models.CallStatus, to models.CallStatus, stamp CallStamp) (bool, error)

	InsertTransactionRecord(ctx context.Context, rec *models.TransactionRecord) error
	TransactionByHash(ctx context.Context, hash string) (*models.TransactionRecord, error)
	// MarkTransactionVerified flips verified exactly once and never
	// reverses. It reports whether this call performed the flip, so
	// concurrent attachers of one hash resolve to a single winner.
	MarkTransactionVerified(ctx context.Context, hash string) (bool, error)
}
