package models

import "time"

// All monetary fields are integer sompi (1 KAS = 100,000,000 sompi).
// Floating point never touches money.
const SompiPerKAS = 100_000_000

// GameMode selects the elimination odds profile.
type GameMode string

const (
	ModeRegular GameMode = "REGULAR"
	ModeExtreme GameMode = "EXTREME"
)

// RoomState is the room lifecycle state machine position.
type RoomState string

const (
	StateLobby   RoomState = "LOBBY"
	StateFunding RoomState = "FUNDING"
	StateLocked  RoomState = "LOCKED"
	StatePlaying RoomState = "PLAYING"
	StateSettled RoomState = "SETTLED"
	StateAborted RoomState = "ABORTED"
)

// Terminal reports whether the state permits no further transitions.
func (s RoomState) Terminal() bool {
	return s == StateSettled || s == StateAborted
}

// PayoutFailedSentinel is recorded as the payout tx id when submission
// failed terminally. Operator intervention is expected.
const PayoutFailedSentinel = "payout_failed"

// Seat is one chair in a room, keyed by (roomID, Index).
type Seat struct {
	Index          int        `json:"index"`
	WalletAddress  string     `json:"walletAddress,omitempty"`
	DepositAddress string     `json:"depositAddress"`
	DepositTxID    string     `json:"depositTxId,omitempty"`
	Amount         int64      `json:"amount"` // observed sompi at DepositAddress
	Confirmed      bool       `json:"confirmed"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	ClientSeed     string     `json:"clientSeed,omitempty"` // lowercase hex
	Alive          bool       `json:"alive"`
}

// Occupied reports whether a wallet has claimed the seat.
func (s *Seat) Occupied() bool { return s.WalletAddress != "" }

// Round is one append-only entry in a room's shot log.
type Round struct {
	Index       int       `json:"index"`
	ShooterSeat int       `json:"shooterSeatIndex"`
	TargetSeat  int       `json:"targetSeatIndex"` // always equals ShooterSeat
	Died        bool      `json:"died"`
	Randomness  string    `json:"randomness"` // hex HMAC-SHA-256 digest
	Timestamp   time.Time `json:"timestamp"`
}

// Room is the aggregate root. Seats and Rounds are owned exclusively by
// the room and share its lifetime.
type Room struct {
	ID              string    `json:"id"`
	Mode            GameMode  `json:"mode"`
	State           RoomState `json:"state"`
	SeatPrice       int64     `json:"seatPrice"` // sompi
	MinPlayers      int       `json:"minPlayers"`
	MaxPlayers      int       `json:"maxPlayers"`
	HouseCutPercent int       `json:"houseCutPercent"`

	ServerCommit string `json:"serverCommit"`         // SHA-256(serverSeed), hex, published at creation
	ServerSeed   string `json:"serverSeed,omitempty"` // hex, empty until reveal

	LockHeight            uint64 `json:"lockHeight,omitempty"` // DAA score at LOCK
	SettlementBlockHeight uint64 `json:"settlementBlockHeight,omitempty"`
	SettlementBlockHash   string `json:"settlementBlockHash,omitempty"`

	CurrentTurnSeat *int     `json:"currentTurnSeatIndex,omitempty"`
	TurnID          int64    `json:"turnId,omitempty"`
	PayoutTxID      string   `json:"payoutTxId,omitempty"`
	RefundTxIDs     []string `json:"refundTxIds,omitempty"`

	// Absolute turn deadlines, persisted so a restart resumes the
	// running turn instead of granting a fresh window. At most one is
	// set while PLAYING.
	PreTurnDeadline *time.Time `json:"preTurnDeadline,omitempty"`
	TurnDeadline    *time.Time `json:"turnDeadline,omitempty"`

	Seats  []Seat  `json:"seats"`
	Rounds []Round `json:"rounds"`

	// Fixed turn order, seat indices in ascending confirmedAt
	// (tie-break seat index). Computed once at LOCK.
	TurnOrder []int `json:"turnOrder,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AliveCount returns the number of seats still in the game.
func (r *Room) AliveCount() int {
	n := 0
	for i := range r.Seats {
		if r.Seats[i].Confirmed && r.Seats[i].Alive {
			n++
		}
	}
	return n
}

// ConfirmedCount returns the number of funded seats.
func (r *Room) ConfirmedCount() int {
	n := 0
	for i := range r.Seats {
		if r.Seats[i].Confirmed {
			n++
		}
	}
	return n
}

// Pot is the settled pool: seat price times confirmed seats.
// Over-deposits are deliberately excluded.
func (r *Room) Pot() int64 {
	return r.SeatPrice * int64(r.ConfirmedCount())
}

// SeatByWallet returns the seat claimed by wallet, or nil.
func (r *Room) SeatByWallet(wallet string) *Seat {
	for i := range r.Seats {
		if r.Seats[i].WalletAddress == wallet {
			return &r.Seats[i]
		}
	}
	return nil
}

// UTXO is one unspent output observed at an address.
type UTXO struct {
	Amount        int64  `json:"amount"` // sompi
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
}

// RefundEntry is one audit row for an abort reimbursement.
type RefundEntry struct {
	RoomID    string    `json:"roomId"`
	SeatIndex int       `json:"seatIndex"`
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	TxID      string    `json:"txId"`
	CreatedAt time.Time `json:"createdAt"`
}

// PayoutEntry is one audit row for a settlement disbursement.
type PayoutEntry struct {
	RoomID    string    `json:"roomId"`
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	TxID      string    `json:"txId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot returns a deep copy safe to hand to other goroutines
// (broadcast fan-out, persistence) while the room keeps mutating.
func (r *Room) Snapshot() *Room {
	cp := *r
	cp.Seats = append([]Seat(nil), r.Seats...)
	cp.Rounds = append([]Round(nil), r.Rounds...)
	cp.TurnOrder = append([]int(nil), r.TurnOrder...)
	cp.RefundTxIDs = append([]string(nil), r.RefundTxIDs...)
	if r.CurrentTurnSeat != nil {
		v := *r.CurrentTurnSeat
		cp.CurrentTurnSeat = &v
	}
	if r.PreTurnDeadline != nil {
		v := *r.PreTurnDeadline
		cp.PreTurnDeadline = &v
	}
	if r.TurnDeadline != nil {
		v := *r.TurnDeadline
		cp.TurnDeadline = &v
	}
	return &cp
}

// PublicSnapshot is Snapshot minus the server seed while the room is
// live. The seed is only ever revealed in terminal states.
func (r *Room) PublicSnapshot() *Room {
	cp := r.Snapshot()
	if !cp.State.Terminal() {
		cp.ServerSeed = ""
	}
	return cp
}
