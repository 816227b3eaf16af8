// Package call drives the per-call status state machine shared between two
// independently connected peers:
//
//	Initiated -> Ringing -> {Answered, Declined, Missed, Cancelled}
//	Answered  -> Completed
//
// Transitions are committed with a compare-and-swap on the row's current
// status, so two racing peers never need a cross-process lock: the loser
// observes zero affected rows, re-reads, and either no-ops or reports the
// call as already ended.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainchat/relay-go/hub"
	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/models"
	"github.com/chainchat/relay-go/store"
)

const defaultRingTimeout = 30 * time.Second

type Manager struct {
	store       store.Store
	pub         hub.Publisher
	ringTimeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // callID -> armed ring timer
}

func NewManager(st store.Store, pub hub.Publisher, ringTimeout time.Duration) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	return &Manager{
		store:       st,
		pub:         pub,
		ringTimeout: ringTimeout,
		timers:      make(map[string]*time.Timer),
	}
}

// Initiate creates the call row, notifies the conversation room plus the
// receiver's identity room (the receiver must learn about the call even with
// no conversation view open), and arms the ring timeout. Re-initiating always
// creates a new row.
func (m *Manager) Initiate(ctx context.Context, conversationID, callerID, receiverID string, callType models.CallType, txRef *string) (*models.Call, error) {
	now := time.Now().UTC()
	c := &models.Call{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Type:           callType,
		Status:         models.CallInitiated,
		TxRef:          txRef,
		CreatedAt:      now,
	}
	if err := m.store.InsertCall(ctx, c); err != nil {
		return nil, err
	}

	payload := models.CallInitiatedEvent{
		Type:           models.EventCallInitiated,
		ConversationID: conversationID,
		CallID:         c.ID,
		CallType:       callType,
		CallerID:       callerID,
	}
	if err := m.pub.PublishEvent(ctx, models.EventCallInitiated, payload,
		hub.ConversationRoom(conversationID), hub.UserRoom(receiverID)); err != nil {
		log.Printf("[call] publish call_initiated for %s: %v", c.ID, err)
	}

	// The receiver's device is ringing from here on.
	if ok, err := m.store.UpdateCallStatus(ctx, c.ID,
		[]models.CallStatus{models.CallInitiated}, models.CallRinging, store.CallStamp{}); err == nil && ok {
		c.Status = models.CallRinging
	}

	m.armRingTimer(c.ID)
	return c, nil
}

// Accept moves the call to Answered and starts the duration clock. Valid only
// while the call is still Initiated or Ringing.
func (m *Manager) Accept(ctx context.Context, callID, userID string) (*models.Call, error) {
	now := time.Now().UTC()
	won, err := m.store.UpdateCallStatus(ctx, callID,
		[]models.CallStatus{models.CallInitiated, models.CallRinging},
		models.CallAnswered, store.CallStamp{StartedAt: &now})
	if err != nil {
		return nil, err
	}
	if !won {
		return m.resolveLostRace(ctx, callID, models.CallAnswered)
	}
	m.cancelRingTimer(callID)

	c, err := m.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	payload := models.CallAnsweredEvent{
		Type:           models.EventCallAnswered,
		ConversationID: c.ConversationID,
		CallID:         callID,
		UserID:         userID,
	}
	if err := m.pub.PublishEvent(ctx, models.EventCallAnswered, payload,
		hub.ConversationRoom(c.ConversationID), hub.UserRoom(c.CallerID)); err != nil {
		log.Printf("[call] publish call_answered for %s: %v", callID, err)
	}
	return c, nil
}

// Decline terminates a ringing call. The decliner's display label travels
// with the event so the caller's client can show why the call ended.
func (m *Manager) Decline(ctx context.Context, callID, declinerName string) (*models.Call, error) {
	now := time.Now().UTC()
	won, err := m.store.UpdateCallStatus(ctx, callID,
		[]models.CallStatus{models.CallInitiated, models.CallRinging},
		models.CallDeclined, store.CallStamp{EndedAt: &now})
	if err != nil {
		return nil, err
	}
	if !won {
		return m.resolveLostRace(ctx, callID, models.CallDeclined)
	}
	m.cancelRingTimer(callID)

	c, err := m.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	payload := models.CallDeclinedEvent{
		Type:           models.EventCallDeclined,
		ConversationID: c.ConversationID,
		CallID:         callID,
		DeclinerName:   declinerName,
	}
	if err := m.pub.PublishEvent(ctx, models.EventCallDeclined, payload,
		hub.ConversationRoom(c.ConversationID), hub.UserRoom(c.CallerID)); err != nil {
		log.Printf("[call] publish call_declined for %s: %v", callID, err)
	}
	return c, nil
}

// Cancel is the caller hanging up before the receiver reacts.
func (m *Manager) Cancel(ctx context.Context, callID string) (*models.Call, error) {
	now := time.Now().UTC()
	won, err := m.store.UpdateCallStatus(ctx, callID,
		[]models.CallStatus{models.CallInitiated, models.CallRinging},
		models.CallCancelled, store.CallStamp{EndedAt: &now})
	if err != nil {
		return nil, err
	}
	if !won {
		return m.resolveLostRace(ctx, callID, models.CallCancelled)
	}
	m.cancelRingTimer(callID)
	m.publishEnded(ctx, callID)
	return m.store.CallByID(ctx, callID)
}

// End completes an answered call, stamping ended_at and the duration.
func (m *Manager) End(ctx context.Context, callID string) (*models.Call, error) {
	c, err := m.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	// Both peers hanging up means two End calls; the second observes the
	// outcome it wanted and no-ops.
	if c.Status == models.CallCompleted {
		return c, nil
	}
	if c.Status != models.CallAnswered {
		return nil, ledger.E(ledger.KindConflict, "call %s is %s, not answered", callID, c.Status)
	}

	now := time.Now().UTC()
	var duration int64
	if c.StartedAt != nil {
		duration = int64(now.Sub(*c.StartedAt) / time.Second)
	}
	won, err := m.store.UpdateCallStatus(ctx, callID,
		[]models.CallStatus{models.CallAnswered},
		models.CallCompleted, store.CallStamp{EndedAt: &now, DurationSec: duration})
	if err != nil {
		return nil, err
	}
	if !won {
		return m.resolveLostRace(ctx, callID, models.CallCompleted)
	}

	payload := models.CallEndedEvent{
		Type:           models.EventCallEnded,
		ConversationID: c.ConversationID,
		CallID:         callID,
		DurationSec:    duration,
	}
	if err := m.pub.PublishEvent(ctx, models.EventCallEnded, payload,
		hub.ConversationRoom(c.ConversationID)); err != nil {
		log.Printf("[call] publish call_ended for %s: %v", callID, err)
	}
	return m.store.CallByID(ctx, callID)
}

// timeout fires when the ring timer elapses with no peer action.
func (m *Manager) timeout(callID string) {
	ctx := context.Background()
	now := time.Now().UTC()
	won, err := m.store.UpdateCallStatus(ctx, callID,
		[]models.CallStatus{models.CallInitiated, models.CallRinging},
		models.CallMissed, store.CallStamp{EndedAt: &now})
	if err != nil {
		log.Printf("[call] mark %s missed: %v", callID, err)
		return
	}
	if !won {
		// A peer action landed first; nothing to do.
		return
	}
	m.publishEnded(ctx, callID)
}

// resolveLostRace decides what a losing concurrent writer reports. If the row
// already reflects the desired outcome the operation is an idempotent no-op
// and the current row is returned; otherwise the call has ended another way.
func (m *Manager) resolveLostRace(ctx context.Context, callID string, desired models.CallStatus) (*models.Call, error) {
	c, err := m.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.Status == desired {
		return c, nil
	}
	return nil, ledger.E(ledger.KindConflict, "call %s already %s", callID, c.Status)
}

func (m *Manager) publishEnded(ctx context.Context, callID string) {
	c, err := m.store.CallByID(ctx, callID)
	if err != nil {
		log.Printf("[call] load %s for ended event: %v", callID, err)
		return
	}
	payload := models.CallEndedEvent{
		Type:           models.EventCallEnded,
		ConversationID: c.ConversationID,
		CallID:         callID,
		DurationSec:    c.DurationSec,
	}
	if err := m.pub.PublishEvent(ctx, models.EventCallEnded, payload,
		hub.ConversationRoom(c.ConversationID), hub.UserRoom(c.ReceiverID)); err != nil {
		log.Printf("[call] publish call_ended for %s: %v", callID, err)
	}
}

func (m *Manager) armRingTimer(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[callID] = time.AfterFunc(m.ringTimeout, func() {
		m.timeout(callID)
		m.mu.Lock()
		delete(m.timers, callID)
		m.mu.Unlock()
	})
}

// cancelRingTimer stops the pending timeout the instant a terminal transition
// lands. A timer that already fired lost its own CAS and no-ops.
func (m *Manager) cancelRingTimer(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[callID]; ok {
		t.Stop()
		delete(m.timers, callID)
	}
}
