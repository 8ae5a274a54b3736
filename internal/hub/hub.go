package hub

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"whisperwire/internal/auth"
	"whisperwire/internal/event"
	"whisperwire/internal/presence"
	"whisperwire/internal/repo"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	shardCount = 64 // tune: 16/64/128 depending on load

	inboxRoomPrefix = "inbox:"
)

// ErrEmitFailed reports a realtime emission that could not be enqueued.
// Non-fatal: the durable path remains authoritative.
var ErrEmitFailed = errors.New("hub: realtime emit failed")

// InboxRoom names the permanent per-user room joined once at connect.
func InboxRoom(userID string) string {
	return inboxRoomPrefix + userID
}

type inboundMessage struct {
	event  event.WsEvent
	client *Client
}

type clientBucket struct {
	sync.RWMutex
	rooms map[string]map[string]*Client
}

// Deliverer is the authoritative send path invoked for inbound client
// messages. Wired after construction to break the hub/service cycle.
type Deliverer interface {
	Deliver(ctx context.Context, raw []byte, senderID string) event.SendAck
}

type roomChange struct {
	client *Client
	roomID string
	join   bool
}

type Hub struct {
	shards     [shardCount]*clientBucket
	register   chan *Client
	unregister chan *Client
	roomOps    chan roomChange
	inbound    chan inboundMessage

	presence  presence.Registry
	messages  repo.MessageRepository
	verifier  auth.Verifier
	deliverer Deliverer
	logger    *zap.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(presenceReg presence.Registry, messages repo.MessageRepository, verifier auth.Verifier, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		register:   make(chan *Client, 1024),
		unregister: make(chan *Client, 1024),
		roomOps:    make(chan roomChange, 1024),
		inbound:    make(chan inboundMessage, 4096), // buffer for burst handling
		presence:   presenceReg,
		messages:   messages,
		verifier:   verifier,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < shardCount; i++ {
		h.shards[i] = &clientBucket{
			rooms: make(map[string]map[string]*Client),
		}
	}

	// run manager loop
	go h.run()

	// start worker loop
	for i := 0; i < workerPoolSize; i++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in, ok := <-h.inbound:
					if !ok {
						return
					}

					h.handleEvent(in.event, in.client)
				}
			}
		}()
	}

	return h
}

// SetDeliverer installs the send path. Must be called before the first
// client connects.
func (h *Hub) SetDeliverer(d Deliverer) {
	h.deliverer = d
}

// Connected reports whether the realtime channel is operational.
func (h *Hub) Connected() bool {
	select {
	case <-h.ctx.Done():
		return false
	default:
		return true
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case op := <-h.roomOps:
			if op.join {
				h.addToRoom(op.client, op.roomID)
			} else {
				h.removeFromRoom(op.client, op.roomID)
			}
		}
	}
}

func getShard(roomID string) uint32 {
	if roomID == "" {
		return 0
	}

	sum := sha1.Sum([]byte(roomID))
	return binary.BigEndian.Uint32(sum[:4]) % shardCount
}

func (h *Hub) addClient(c *Client) {
	// Every connection lives in its user's inbox room for its whole
	// lifetime; conversation rooms come and go with the open view.
	h.addToRoom(c, InboxRoom(c.userID))
	h.presence.AddSession(h.ctx, c.userID, c.ID)
	log.Printf("client %s registered for user %s", c.ID, c.userID)
}

func (h *Hub) removeClient(c *Client) {
	for _, roomID := range c.joinedRooms() {
		h.removeFromRoom(c, roomID)
	}
	h.presence.RemoveSession(h.ctx, c.userID, c.ID)
	c.Close()
	log.Printf("client %s removed for user %s", c.ID, c.userID)
}

func (h *Hub) addToRoom(c *Client, roomID string) {
	sh := getShard(roomID)
	b := h.shards[sh]
	b.Lock()
	defer b.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		room = make(map[string]*Client)
		b.rooms[roomID] = room
	}

	room[c.ID] = c
	c.trackRoom(roomID)
}

func (h *Hub) removeFromRoom(c *Client, roomID string) {
	sh := getShard(roomID)
	b := h.shards[sh]
	b.Lock()
	defer b.Unlock()

	if room, ok := b.rooms[roomID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(b.rooms, roomID)
		}
	}
	c.untrackRoom(roomID)
}

// Occupancy counts the sessions currently joined to a room.
func (h *Hub) Occupancy(roomID string) int {
	b := h.shards[getShard(roomID)]
	b.RLock()
	defer b.RUnlock()
	return len(b.rooms[roomID])
}

// EmitToRoom broadcasts an event to every session in a room.
func (h *Hub) EmitToRoom(roomID string, ev event.WsEvent) error {
	clients := h.roomClients(roomID)
	if len(clients) == 0 {
		return nil
	}

	var failed int
	for _, c := range clients {
		if !c.SafeSend(ev, sendTimeout) {
			failed++
			h.logger.Warn("egress full or client closed",
				zap.String("client_id", c.ID),
				zap.String("room_id", roomID),
			)
			if kickOnFull {
				h.requestUnregister(c)
			}
		}
	}

	if failed == len(clients) {
		return ErrEmitFailed
	}
	return nil
}

// EmitToUser delivers an event to every session in a user's inbox room.
// This is the redundancy that closes the race where a recipient joins
// the conversation room after the occupancy lookup.
func (h *Hub) EmitToUser(userID string, ev event.WsEvent) error {
	return h.EmitToRoom(InboxRoom(userID), ev)
}

func (h *Hub) roomClients(roomID string) []*Client {
	b := h.shards[getShard(roomID)]

	// collect clients while holding RLock, deliver after releasing it
	b.RLock()
	room, ok := b.rooms[roomID]
	if !ok || len(room) == 0 {
		b.RUnlock()
		return nil
	}
	clients := make([]*Client, 0, len(room))
	for _, c := range room {
		clients = append(clients, c)
	}
	b.RUnlock()

	return clients
}

func (h *Hub) requestUnregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-time.After(unregisterTimeout):
		log.Printf("failed to unregister client %s: timeout", c.ID)
	}
}

func (h *Hub) Stop() {
	h.cancel()

	// Close all client connections
	for _, shard := range h.shards {
		shard.RLock()
		for _, room := range shard.rooms {
			for _, client := range room {
				client.Close()
			}
		}
		shard.RUnlock()
	}

	close(h.inbound)
	h.wg.Wait()
}

var (
	websocketUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
)

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	switch origin {
	case "", "http://localhost:4200":
		return true
	default:
		return false
	}
}

// ServeWS authenticates the handshake and upgrades the connection.
// Unauthenticated handshakes are rejected before the upgrade; a
// connection never exists without a verified user id.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, token string) {
	userID, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("handshake rejected", zap.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	RegisterClient(userID, conn, h)
}
