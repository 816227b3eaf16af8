package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainchat/relay-go/models"
)

// Room naming. Every connection is auto-joined to its user's identity room;
// conversation rooms are joined and left explicitly.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }
func UserRoom(userID string) string                 { return "user:" + userID }

// Event is one fanout unit: an already-marshalled client payload targeted at
// a set of rooms. Persistence must have happened before an Event is built.
type Event struct {
	Type  models.EventType `msgpack:"type"`
	Rooms []string         `msgpack:"rooms"`
	Data  []byte           `msgpack:"data"`
}

// NewEvent marshals payload once and targets it at rooms.
func NewEvent(typ models.EventType, payload any, rooms ...string) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Rooms: rooms, Data: data}, nil
}

// Publisher is what the relay pipelines publish through. The in-process Hub
// implements it directly; Bus implements it over redis so every instance's
// hub sees the event.
type Publisher interface {
	PublishEvent(ctx context.Context, typ models.EventType, payload any, rooms ...string) error
}

// Client is one live connection. SendEvent abstracts the transport so the
// websocket handler, the SSE handler and tests plug in the same way.
type Client struct {
	ID        string
	UserID    string
	Connected bool
	SendEvent func([]byte) error

	sendChan chan []byte
	mu       sync.Mutex
}

func (c *Client) startSender(h *Hub) {
	go func() {
		for msg := range c.sendChan {
			c.mu.Lock()
			if !c.Connected {
				c.mu.Unlock()
				break
			}
			err := c.SendEvent(msg)
			c.mu.Unlock()
			if err != nil {
				h.unregister <- c
				break
			}
		}
	}()
}

// Disconnect marks the client dead and removes it from the hub.
func (c *Client) Disconnect(h *Hub) {
	c.mu.Lock()
	c.Connected = false
	c.mu.Unlock()
	h.unregister <- c
}

type membershipOp struct {
	client *Client
	room   string
	leave  bool
}

// Hub maintains the session registry and room membership index, and fans
// typed events out to room members. All state is owned by the Run loop;
// callers interact through channels only, so no global lock is needed and a
// single subscriber observes one room's publishes in order.
type Hub struct {
	clients     map[string]*Client
	rooms       map[string]mapset.Set[string] // roomID -> clientIDs
	memberships map[string]mapset.Set[string] // clientID -> roomIDs
	online      map[string]int                // userID -> live connection count

	register     chan *Client
	unregister   chan *Client
	membership   chan membershipOp
	broadcast    chan Event
	offlineCheck chan string

	rateLimiter *RateLimiter
	graceDelay  time.Duration
}

const defaultPresenceGrace = 10 * time.Second

func NewHub() *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		rooms:        make(map[string]mapset.Set[string]),
		memberships:  make(map[string]mapset.Set[string]),
		online:       make(map[string]int),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		membership:   make(chan membershipOp),
		broadcast:    make(chan Event, 64),
		offlineCheck: make(chan string),
		rateLimiter:  NewRateLimiter(),
		graceDelay:   defaultPresenceGrace,
	}
}

func (h *Hub) Register(c *Client) { h.register <- c }
func (h *Hub) Join(c *Client, room string) {
	h.membership <- membershipOp{client: c, room: room}
}
func (h *Hub) Leave(c *Client, room string) {
	h.membership <- membershipOp{client: c, room: room, leave: true}
}

// Publish enqueues an event for fanout. Delivery is at-least-once; a client
// with a full send buffer drops the event and must re-fetch history on
// reconnect, which is why persistence always precedes publish.
func (h *Hub) Publish(ev Event) {
	h.broadcast <- ev
}

// PublishEvent implements Publisher for single-instance deployments and tests.
func (h *Hub) PublishEvent(ctx context.Context, typ models.EventType, payload any, rooms ...string) error {
	ev, err := NewEvent(typ, payload, rooms...)
	if err != nil {
		return err
	}
	h.Publish(ev)
	return nil
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			client.sendChan = make(chan []byte, 64)
			h.clients[client.ID] = client
			h.memberships[client.ID] = mapset.NewSet[string]()
			client.startSender(h)
			h.joinLocked(client, UserRoom(client.UserID))
			h.online[client.UserID]++
			if h.online[client.UserID] == 1 {
				h.broadcastPresence(client.UserID, true)
			}
			log.Printf("[hub] client %s connected (user %s)", client.ID, client.UserID)

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; !ok {
				continue
			}
			delete(h.clients, client.ID)
			if rooms, ok := h.memberships[client.ID]; ok {
				for room := range rooms.Iter() {
					h.leaveRoomLocked(client.ID, room)
				}
				delete(h.memberships, client.ID)
			}
			h.rateLimiter.UnregisterConnection(client.UserID, client.ID)
			// Only the Run loop sends on sendChan, and the client is out of
			// every delivery map above, so closing here is safe and lets the
			// sender goroutine exit.
			close(client.sendChan)
			h.online[client.UserID]--
			if h.online[client.UserID] <= 0 {
				delete(h.online, client.UserID)
				// Grace delay absorbs transient reconnects before the user
				// is reported offline.
				userID := client.UserID
				time.AfterFunc(h.graceDelay, func() { h.offlineCheck <- userID })
			}
			log.Printf("[hub] client %s disconnected (user %s)", client.ID, client.UserID)

		case op := <-h.membership:
			if _, ok := h.clients[op.client.ID]; !ok {
				continue
			}
			if op.leave {
				h.leaveRoomLocked(op.client.ID, op.room)
				h.memberships[op.client.ID].Remove(op.room)
			} else {
				h.joinLocked(op.client, op.room)
			}

		case userID := <-h.offlineCheck:
			if _, stillOnline := h.online[userID]; !stillOnline {
				h.broadcastPresence(userID, false)
			}

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) joinLocked(client *Client, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = mapset.NewSet[string]()
		h.rooms[room] = set
	}
	set.Add(client.ID)
	h.memberships[client.ID].Add(room)
}

func (h *Hub) leaveRoomLocked(clientID, room string) {
	if set, ok := h.rooms[room]; ok {
		set.Remove(clientID)
		if set.Cardinality() == 0 {
			delete(h.rooms, room)
		}
	}
}

// deliver fans ev out to every member of its target rooms, at most once per
// client even when a client shares several of the rooms.
func (h *Hub) deliver(ev Event) {
	seen := mapset.NewSet[string]()
	for _, room := range ev.Rooms {
		set, ok := h.rooms[room]
		if !ok {
			continue
		}
		for clientID := range set.Iter() {
			if !seen.Add(clientID) {
				continue
			}
			client, ok := h.clients[clientID]
			if !ok {
				continue
			}
			select {
			case client.sendChan <- ev.Data:
			default:
				log.Printf("[hub] client %s send buffer full, dropping %s", clientID, ev.Type)
			}
		}
	}
}

func (h *Hub) broadcastPresence(userID string, isOnline bool) {
	payload := models.UserStatusChangeEvent{
		Type:     models.EventUserStatusChange,
		UserID:   userID,
		IsOnline: isOnline,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[hub] marshal presence event: %v", err)
		return
	}
	// Presence goes to every live connection.
	for _, client := range h.clients {
		select {
		case client.sendChan <- data:
		default:
		}
	}
}
