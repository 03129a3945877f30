// Package game owns the room lifecycle: the state machine, seat
// membership, turn scheduling, payout and refund orchestration, and the
// matchmaking queue. Every mutation of a given room is serialized by
// that room's mutex; cross-component effects (hub broadcasts, chain
// calls, persistence) happen through narrow injected interfaces.
package game

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kasplay/roulette-engine/internal/config"
	"github.com/kasplay/roulette-engine/internal/rng"
	"github.com/kasplay/roulette-engine/internal/wallet"
	"github.com/kasplay/roulette-engine/pkg/models"
)

// Chambers per cylinder in REGULAR mode lore; the draw itself uses the
// alive count, but the round budget is expressed in cylinder spins.
const cylinderSize = 6

const (
	schedulerTick  = 250 * time.Millisecond
	preTurnWait    = 5 * time.Second
	resultsWait    = 10 * time.Second
	chainPollEvery = time.Second
)

var (
	ErrRoomNotFound  = errors.New("game: room not found")
	ErrRoomFull      = errors.New("game: room is full")
	ErrAlreadySeated = errors.New("game: wallet already holds a seat in this room")
	ErrBadState      = errors.New("game: operation not valid in current room state")
	ErrNotSeated     = errors.New("game: wallet holds no seat in this room")
	ErrNotYourTurn   = errors.New("game: not this wallet's turn")
	ErrSeatConfirmed = errors.New("game: seat deposit already confirmed")
	ErrInvalidSeed   = errors.New("game: client seed must be non-empty hex")
)

// Store is the durable persistence surface the manager requires.
// Implemented by store.Postgres; tests use an in-memory fake.
type Store interface {
	SaveRoom(ctx context.Context, room *models.Room) error
	AppendRound(ctx context.Context, roomID string, round models.Round) error
	RecordRefund(ctx context.Context, entry models.RefundEntry) error
	RecordPayout(ctx context.Context, entry models.PayoutEntry) error
	LoadActiveRooms(ctx context.Context) ([]*models.Room, error)
}

// TipInfo is the chain view the state machine consumes.
type TipInfo struct {
	DaaScore uint64
	TipHash  string
}

// Chain answers "what is the current block" for LOCK and settlement.
type Chain interface {
	CurrentTip(ctx context.Context) (TipInfo, error)
}

// Payer derives seat addresses and moves funds. Implemented by
// wallet.Wallet.
type Payer interface {
	SeatAddress(roomID string, seatIndex int) (string, error)
	Disburse(ctx context.Context, roomID string, payees []wallet.Payee) (string, error)
}

// Emitter delivers room events to subscribers. Implementations must
// only enqueue: the manager calls it while holding a room's mutex.
type Emitter interface {
	RoomEvent(roomID, event string, payload interface{})
	RoomSnapshot(room *models.Room)
}

// RoomParams configures one room at creation.
type RoomParams struct {
	Mode            models.GameMode
	SeatPrice       int64
	MinPlayers      int
	MaxPlayers      int
	HouseCutPercent int
	FundingTimeout  time.Duration
}

// Manager owns the room registry and the periodic scheduler.
type Manager struct {
	cfg      *config.Config
	store    Store
	chain    Chain
	payer    Payer
	emitter  Emitter
	treasury string

	mu    sync.RWMutex
	rooms map[string]*Room

	now func() time.Time // injectable clock for tests
}

// NewManager wires the manager. The emitter may be swapped later via
// SetEmitter because the hub is constructed after the manager.
func NewManager(cfg *config.Config, st Store, chain Chain, payer Payer, treasury string) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		chain:    chain,
		payer:    payer,
		emitter:  nopEmitter{},
		treasury: treasury,
		rooms:    make(map[string]*Room),
		now:      time.Now,
	}
}

// SetEmitter injects the hub after construction.
func (m *Manager) SetEmitter(e Emitter) { m.emitter = e }

type nopEmitter struct{}

func (nopEmitter) RoomEvent(string, string, interface{}) {}
func (nopEmitter) RoomSnapshot(*models.Room)             {}

// CreateRoom builds a room in LOBBY: fresh server seed and commitment,
// all seats pre-derived, funding deadline fixed at creation.
func (m *Manager) CreateRoom(ctx context.Context, p RoomParams) (*Room, error) {
	serverSeed, err := rng.NewServerSeed()
	if err != nil {
		return nil, err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := m.now()

	data := &models.Room{
		ID:              id,
		Mode:            p.Mode,
		State:           models.StateLobby,
		SeatPrice:       p.SeatPrice,
		MinPlayers:      p.MinPlayers,
		MaxPlayers:      p.MaxPlayers,
		HouseCutPercent: p.HouseCutPercent,
		ServerCommit:    rng.Commit(serverSeed),
		ServerSeed:      serverSeed,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(p.FundingTimeout),
	}
	for i := 0; i < p.MaxPlayers; i++ {
		addr, err := m.payer.SeatAddress(id, i)
		if err != nil {
			return nil, err
		}
		data.Seats = append(data.Seats, models.Seat{Index: i, DepositAddress: addr, Alive: true})
	}

	room := &Room{mgr: m, data: data}
	if err := m.store.SaveRoom(ctx, data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.rooms[id] = room
	m.mu.Unlock()

	log.Printf("[room %s] created: mode=%s price=%d seats=%d commit=%s",
		id, p.Mode, p.SeatPrice, p.MaxPlayers, data.ServerCommit)
	return room, nil
}

// Room returns the live room or ErrRoomNotFound.
func (m *Manager) Room(id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// ListRooms snapshots every registered room (terminal rooms included
// until swept).
func (m *Manager) ListRooms() []*models.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room.PublicSnapshot())
	}
	return out
}

// FundingRooms returns the ids and unconfirmed seats of rooms the
// deposit monitor should watch.
func (m *Manager) FundingRooms() []*models.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Room
	for _, room := range m.rooms {
		snap := room.PublicSnapshot()
		if snap.State == models.StateLobby || snap.State == models.StateFunding {
			out = append(out, snap)
		}
	}
	return out
}

// Run drives the scheduler: every room's deadline evaluation on a short
// tick. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickAll(ctx)
		}
	}
}

func (m *Manager) tickAll(ctx context.Context) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, room := range rooms {
		room.tick(ctx, now)
	}
}

// Recover re-hydrates persisted rooms on process start. Deadlines
// already in the past trigger their transitions on the first tick.
// Terminal rooms come back only when money still has to move: settled
// without a payout tx, or aborted with confirmed deposits and no
// refund tx.
func (m *Manager) Recover(ctx context.Context) error {
	persisted, err := m.store.LoadActiveRooms(ctx)
	if err != nil {
		return err
	}
	for _, data := range persisted {
		room := &Room{mgr: m, data: data}
		m.mu.Lock()
		m.rooms[data.ID] = room
		m.mu.Unlock()

		switch data.State {
		case models.StatePlaying:
			// The persisted deadlines carry the running turn across
			// the restart; an expired one forces the pull on the
			// first tick.
			log.Printf("[room %s] recovered in PLAYING at turn seat %v (turn %d)", data.ID, data.CurrentTurnSeat, data.TurnID)
		case models.StateSettled:
			room.mu.Lock()
			room.awaitingResults = true
			room.resultsDeadline = data.UpdatedAt.Add(resultsWait)
			room.mu.Unlock()
			log.Printf("[room %s] recovered in SETTLED with payout pending", data.ID)
		case models.StateAborted:
			room.mu.Lock()
			room.launchRefunds(ctx)
			room.mu.Unlock()
			log.Printf("[room %s] recovered in ABORTED with refunds pending", data.ID)
		default:
			log.Printf("[room %s] recovered in %s (expires %s)", data.ID, data.State, data.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

// SweepTerminal drops terminal rooms from the registry after they have
// had time to broadcast their final state. Rooms still owing a payout
// or refund submission are kept until the tx is recorded. Persistence
// keeps the authoritative record.
func (m *Manager) SweepTerminal(olderThan time.Duration) {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, room := range m.rooms {
		snap := room.PublicSnapshot()
		if !snap.State.Terminal() || !snap.UpdatedAt.Before(cutoff) {
			continue
		}
		if snap.State == models.StateSettled && snap.PayoutTxID == "" {
			continue
		}
		if snap.State == models.StateAborted && len(snap.RefundTxIDs) == 0 && snap.ConfirmedCount() > 0 {
			continue
		}
		delete(m.rooms, id)
	}
}
