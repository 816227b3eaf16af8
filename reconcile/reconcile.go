// Package reconcile is the client-resident merge logic: it folds locally
// optimistic sends, server-confirmed history pages and live hub events into
// one ordered, de-duplicated timeline. Live delivery is at-least-once and
// unordered across rooms, so everything here is written to tolerate
// duplicates and reordering.
package reconcile

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainchat/relay-go/models"
)

// Merge is the pure reducer. Later sources win by message id: a locally
// optimistic entry is replaced in place once the confirmed or live copy with
// the same id arrives. Ordering is by creation timestamp (arrival order is
// meaningless when history pages and live events interleave), with the id as
// a stable tie-break. Merging an already merged timeline changes nothing.
func Merge(localOptimistic, serverConfirmed, liveEvents []models.Message) []models.Message {
	byID := make(map[string]models.Message)
	for _, src := range [][]models.Message{localOptimistic, serverConfirmed, liveEvents} {
		for _, msg := range src {
			byID[msg.ID] = msg
		}
	}

	out := make([]models.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MessageView is a timeline entry plus the receipt/reaction state patched
// onto it.
type MessageView struct {
	models.Message
	ReadBy    map[string]time.Time          // readerID -> read-at
	Reactions map[string]mapset.Set[string] // emoji -> userIDs
}

type pendingReaction struct {
	event    models.MessageReactionEvent
	buffered time.Time
}

type readWatermark struct {
	reader string
	at     time.Time
}

const (
	defaultPendingTTL = 2 * time.Minute
	defaultMaxPending = 512
)

// Reconciler is the stateful wrapper around Merge. Reaction events arriving
// before their target message are buffered, bounded and dropped after a TTL
// since the message may belong to a history page this client never loads.
// Read events are kept as per-conversation watermarks so they also cover
// messages that surface later.
type Reconciler struct {
	messages   map[string]*MessageView
	watermarks map[string][]readWatermark // conversationID -> watermarks
	pending    map[string][]pendingReaction
	pendingN   int

	pendingTTL time.Duration
	maxPending int
	now        func() time.Time
}

func New() *Reconciler {
	return &Reconciler{
		messages:   make(map[string]*MessageView),
		watermarks: make(map[string][]readWatermark),
		pending:    make(map[string][]pendingReaction),
		pendingTTL: defaultPendingTTL,
		maxPending: defaultMaxPending,
		now:        time.Now,
	}
}

// Upsert folds messages from any source into the timeline. An entry with a
// known id is replaced in place; re-applying the same message is a no-op.
// Buffered patches and read watermarks waiting for the message are applied.
func (r *Reconciler) Upsert(msgs ...models.Message) {
	for _, msg := range msgs {
		view, ok := r.messages[msg.ID]
		if !ok {
			view = &MessageView{
				ReadBy:    make(map[string]time.Time),
				Reactions: make(map[string]mapset.Set[string]),
			}
			r.messages[msg.ID] = view
		}
		view.Message = msg

		for _, wm := range r.watermarks[msg.ConversationID] {
			r.applyWatermark(view, wm)
		}
		if queue, ok := r.pending[msg.ID]; ok {
			for _, p := range queue {
				r.applyReaction(view, p.event)
			}
			r.pendingN -= len(queue)
			delete(r.pending, msg.ID)
		}
	}
}

// ApplyRead maps a messages_read event onto message state: every message in
// the conversation not sent by the reader and created at or before the event
// is marked read. The watermark sticks so later-loaded history is covered too.
func (r *Reconciler) ApplyRead(ev models.MessagesReadEvent) {
	wm := readWatermark{reader: ev.Reader, at: ev.ReadAt}
	wms := r.watermarks[ev.ConversationID]
	replaced := false
	for i, existing := range wms {
		if existing.reader != wm.reader {
			continue
		}
		if !existing.at.Before(wm.at) {
			return // already covered
		}
		// One watermark per reader; advancing it supersedes the old one.
		wms[i] = wm
		replaced = true
		break
	}
	if !replaced {
		r.watermarks[ev.ConversationID] = append(wms, wm)
	}

	for _, view := range r.messages {
		if view.ConversationID == ev.ConversationID {
			r.applyWatermark(view, wm)
		}
	}
}

func (r *Reconciler) applyWatermark(view *MessageView, wm readWatermark) {
	if view.SenderID == wm.reader {
		return
	}
	if view.CreatedAt.After(wm.at) {
		return
	}
	if prev, ok := view.ReadBy[wm.reader]; !ok || wm.at.Before(prev) {
		view.ReadBy[wm.reader] = wm.at
	}
}

// ApplyReaction applies a reaction patch, buffering it when the target
// message has not been loaded yet. Applying the same patch twice is a no-op.
func (r *Reconciler) ApplyReaction(ev models.MessageReactionEvent) {
	if view, ok := r.messages[ev.MessageID]; ok {
		r.applyReaction(view, ev)
		return
	}

	r.prunePending()
	if r.pendingN >= r.maxPending {
		return // bounded buffer: drop rather than grow without limit
	}
	r.pending[ev.MessageID] = append(r.pending[ev.MessageID], pendingReaction{event: ev, buffered: r.now()})
	r.pendingN++
}

func (r *Reconciler) applyReaction(view *MessageView, ev models.MessageReactionEvent) {
	set, ok := view.Reactions[ev.Emoji]
	if !ok {
		set = mapset.NewSet[string]()
		view.Reactions[ev.Emoji] = set
	}
	switch ev.Action {
	case models.ReactionAdded:
		set.Add(ev.UserID)
	case models.ReactionRemoved:
		set.Remove(ev.UserID)
		if set.Cardinality() == 0 {
			delete(view.Reactions, ev.Emoji)
		}
	}
}

func (r *Reconciler) prunePending() {
	cutoff := r.now().Add(-r.pendingTTL)
	for id, queue := range r.pending {
		kept := queue[:0]
		for _, p := range queue {
			if p.buffered.After(cutoff) {
				kept = append(kept, p)
			} else {
				r.pendingN--
			}
		}
		if len(kept) == 0 {
			delete(r.pending, id)
		} else {
			r.pending[id] = kept
		}
	}
}

// Timeline returns the current ordered view.
func (r *Reconciler) Timeline() []MessageView {
	out := make([]MessageView, 0, len(r.messages))
	for _, view := range r.messages {
		out = append(out, *view)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
