// Package hub is the websocket layer: one connection per client, a
// bound wallet per connection, room subscriptions, and the broadcast
// fan-out for room events and the periodic state snapshots. The hub
// never calls back into a room synchronously beyond the game manager's
// own entry points; room events arrive here as enqueue-only sends.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kasplay/roulette-engine/pkg/models"
)

const (
	maxFrameSize   = 64 * 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	sendBufferSize = 64
	snapshotEvery  = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced on the REST surface
	},
}

// GameService is the room surface the hub dispatches client intents to.
// Implemented by game.Manager.
type GameService interface {
	JoinRoom(ctx context.Context, roomID, walletAddr string) (int, error)
	LeaveRoom(ctx context.Context, roomID, walletAddr string) error
	SubmitClientSeed(ctx context.Context, roomID, walletAddr string, seatIndex int, seed string) error
	ReadyForTurn(roomID, walletAddr string) error
	PullTrigger(ctx context.Context, roomID, walletAddr string) error
	ConfirmResultsShown(ctx context.Context, roomID, walletAddr string) error
	RoomSnapshot(roomID string) (*models.Room, error)
	ListRooms() []*models.Room
}

// QueueService is the matchmaking surface. Implemented by game.Queue.
type QueueService interface {
	JoinQuick(ctx context.Context, walletAddr string, mode models.GameMode) (int, error)
	JoinCustom(ctx context.Context, walletAddr string, mode models.GameMode, seatPrice int64, players int) (int, error)
	Leave(walletAddr string) error
}

// Hub owns the connection set and the subscription index.
type Hub struct {
	games GameService
	queue QueueService

	mu       sync.RWMutex
	clients  map[*client]bool
	roomSubs map[string]map[*client]bool
	wallets  map[string]int // bound wallet -> connection count

	connLimiter  *Limiter // per-IP connection attempts
	frameLimiter *Limiter // per-connection inbound frames
	connSeq      int64
}

// New wires the hub. Default limits: 30 connects/min/IP (burst 10),
// 300 frames/min/connection (burst 60).
func New(games GameService, queue QueueService) *Hub {
	return &Hub{
		games:        games,
		queue:        queue,
		clients:      make(map[*client]bool),
		roomSubs:     make(map[string]map[*client]bool),
		wallets:      make(map[string]int),
		connLimiter:  NewLimiter(30, 10),
		frameLimiter: NewLimiter(300, 60),
	}
}

// HandleWS upgrades an HTTP request into a hub connection.
func (h *Hub) HandleWS(c *gin.Context) {
	ip := c.ClientIP()
	if !h.connLimiter.Allow(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "connection rate limit exceeded"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.connSeq++
	cl := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		quit:  make(chan struct{}),
		id:    strconv.FormatInt(h.connSeq, 10),
		ip:    ip,
		rooms: make(map[string]bool),
	}
	h.clients[cl] = true
	total := len(h.clients)
	h.mu.Unlock()

	log.Printf("[hub] client %s connected from %s (%d total)", cl.id, ip, total)
	h.broadcastUserCount()

	go cl.writePump()
	go cl.readPump()
}

// drop unregisters a client and releases its wallet binding.
func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if !h.clients[cl] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, cl)
	for roomID := range cl.rooms {
		if subs := h.roomSubs[roomID]; subs != nil {
			delete(subs, cl)
			if len(subs) == 0 {
				delete(h.roomSubs, roomID)
			}
		}
	}
	if cl.wallet != "" {
		h.wallets[cl.wallet]--
		if h.wallets[cl.wallet] <= 0 {
			delete(h.wallets, cl.wallet)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.frameLimiter.Forget(cl.id)
	close(cl.quit)
	log.Printf("[hub] client %s disconnected (%d total)", cl.id, total)
	h.broadcastUserCount()
}

// bind records the connection's wallet on first identification. The
// unique-wallet count only moves when a wallet's first connection
// binds, so multiple tabs count once.
func (h *Hub) bind(cl *client, wallet string) {
	h.mu.Lock()
	cl.wallet = wallet
	h.wallets[wallet]++
	first := h.wallets[wallet] == 1
	h.mu.Unlock()
	if first {
		h.broadcastUserCount()
	}
}

// subscribe adds the connection to a room's fan-out set.
func (h *Hub) subscribe(cl *client, roomID string) {
	h.mu.Lock()
	if h.roomSubs[roomID] == nil {
		h.roomSubs[roomID] = make(map[*client]bool)
	}
	h.roomSubs[roomID][cl] = true
	cl.rooms[roomID] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(cl *client, roomID string) {
	h.mu.Lock()
	if subs := h.roomSubs[roomID]; subs != nil {
		delete(subs, cl)
		if len(subs) == 0 {
			delete(h.roomSubs, roomID)
		}
	}
	delete(cl.rooms, roomID)
	h.mu.Unlock()
}

// ── outbound fan-out ─────────────────────────────────────────────────

type outFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

func encodeFrame(event string, payload interface{}) []byte {
	raw, err := json.Marshal(outFrame{Event: event, Payload: payload})
	if err != nil {
		log.Printf("[hub] marshal %s frame: %v", event, err)
		return nil
	}
	return raw
}

// RoomEvent implements game.Emitter: deliver one event frame to every
// subscriber of the room, in subscription-set order, enqueue-only.
func (h *Hub) RoomEvent(roomID, event string, payload interface{}) {
	raw := encodeFrame(event, payload)
	if raw == nil {
		return
	}
	h.mu.RLock()
	for cl := range h.roomSubs[roomID] {
		cl.enqueue(raw)
	}
	h.mu.RUnlock()
}

// RoomSnapshot implements game.Emitter: push a full room:update to the
// room's subscribers.
func (h *Hub) RoomSnapshot(room *models.Room) {
	raw := encodeFrame("room:update", room)
	if raw == nil {
		return
	}
	h.mu.RLock()
	for cl := range h.roomSubs[room.ID] {
		cl.enqueue(raw)
	}
	h.mu.RUnlock()
}

// RoomAssigned is the queue's matched callback: route every matched
// wallet's connections into the new room and tell them where to go.
func (h *Hub) RoomAssigned(roomID string, wallets []string) {
	matched := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		matched[w] = true
	}

	h.mu.Lock()
	var targets []*client
	for cl := range h.clients {
		if cl.wallet != "" && matched[cl.wallet] {
			if h.roomSubs[roomID] == nil {
				h.roomSubs[roomID] = make(map[*client]bool)
			}
			h.roomSubs[roomID][cl] = true
			cl.rooms[roomID] = true
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()

	raw := encodeFrame("room:assigned", gin.H{"roomId": roomID})
	for _, cl := range targets {
		cl.enqueue(raw)
	}
}

// broadcastUserCount pushes the distinct-bound-wallet count to every
// connection.
func (h *Hub) broadcastUserCount() {
	h.mu.RLock()
	count := len(h.wallets)
	targets := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	raw := encodeFrame("connection:count", gin.H{"count": count})
	for _, cl := range targets {
		cl.enqueue(raw)
	}
}

// Run drives the 1Hz snapshot tick: every room's current state goes to
// its subscribers, so clients recover from any missed event frame
// within a second.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			subscribed := make(map[string]bool, len(h.roomSubs))
			for roomID := range h.roomSubs {
				subscribed[roomID] = true
			}
			h.mu.RUnlock()

			for _, room := range h.games.ListRooms() {
				if subscribed[room.ID] {
					h.RoomSnapshot(room)
				}
			}
		}
	}
}

// UniqueWallets returns the current distinct bound wallet count.
func (h *Hub) UniqueWallets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.wallets)
}

// Connections returns the live connection count.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
