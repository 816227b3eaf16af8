package models

import (
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageVideo MessageKind = "video"
	MessageAudio MessageKind = "audio"
	MessageFile  MessageKind = "file"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
	CallCancelled CallStatus = "cancelled"
	CallCompleted CallStatus = "completed"
)

// Terminal reports whether no further transition is allowed from s.
// Answered is transitional: it still moves to Completed when a party hangs up.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallDeclined, CallMissed, CallCancelled, CallCompleted:
		return true
	}
	return false
}

type TxPurpose string

const (
	TxPurposeMessage TxPurpose = "message"
	TxPurposeCall    TxPurpose = "call"
	TxPurposeStatus  TxPurpose = "status"
	TxPurposePayment TxPurpose = "payment"
)

type Participant struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Message content is either plaintext or an opaque content-id pointing at
// encrypted/pinned bytes; this subsystem never inspects it.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	TxRef          *string     `json:"tx_ref,omitempty"`
	OnChain        bool        `json:"on_chain"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
}

type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type Call struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	CallerID       string     `json:"caller_id"`
	ReceiverID     string     `json:"receiver_id"`
	Type           CallType   `json:"call_type"`
	Status         CallStatus `json:"status"`
	TxRef          *string    `json:"tx_ref,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationSec    int64      `json:"duration_sec"`
	CreatedAt      time.Time  `json:"created_at"`
}

type TransactionRecord struct {
	Hash       string     `json:"hash"`
	Purpose    TxPurpose  `json:"purpose"`
	Sender     string     `json:"sender"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
