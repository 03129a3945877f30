package game

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kasplay/roulette-engine/internal/rng"
	"github.com/kasplay/roulette-engine/internal/wallet"
	"github.com/kasplay/roulette-engine/pkg/models"
)

// Room wraps the persisted aggregate with the runtime scheduling state.
// Every mutation runs under mu; the room is a logically single-threaded
// actor. Emitter calls made under the lock only enqueue.
type Room struct {
	mgr  *Manager
	mu   sync.Mutex
	data *models.Room

	// Per-turn runtime state. The turn deadlines themselves live on
	// data so they survive a restart; these flags are rebuilt on
	// recovery.
	readySeen bool
	pulled    bool

	awaitingResults bool
	resultsDeadline time.Time
	payoutStarted   bool
	refundStarted   bool

	nextChainPoll time.Time
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.data.ID
}

// PublicSnapshot returns a copy safe for broadcast; the server seed is
// withheld until the room is terminal.
func (r *Room) PublicSnapshot() *models.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.PublicSnapshot()
}

// Join seats a wallet. First join moves LOBBY to FUNDING.
func (r *Room) Join(ctx context.Context, walletAddr string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.State != models.StateLobby && r.data.State != models.StateFunding {
		return 0, ErrBadState
	}
	if r.data.SeatByWallet(walletAddr) != nil {
		return 0, ErrAlreadySeated
	}
	seat := r.firstEmptySeat()
	if seat == nil {
		return 0, ErrRoomFull
	}
	seat.WalletAddress = walletAddr
	if r.data.State == models.StateLobby {
		r.data.State = models.StateFunding
	}
	r.touch()
	r.persist(ctx)
	r.emitSnapshot()
	log.Printf("[room %s] seat %d claimed by %s", r.data.ID, seat.Index, walletAddr)
	return seat.Index, nil
}

// Leave frees an unconfirmed seat. Valid only before LOCK.
func (r *Room) Leave(ctx context.Context, walletAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.State != models.StateLobby && r.data.State != models.StateFunding {
		return ErrBadState
	}
	seat := r.data.SeatByWallet(walletAddr)
	if seat == nil {
		return ErrNotSeated
	}
	if seat.Confirmed {
		return ErrSeatConfirmed
	}
	seat.WalletAddress = ""
	seat.ClientSeed = ""
	r.touch()
	r.persist(ctx)
	r.emitSnapshot()
	return nil
}

// SubmitClientSeed records a seat's entropy contribution. Accepted
// until play begins; the seed set is frozen at PLAYING so every round
// derives from the same inputs.
func (r *Room) SubmitClientSeed(ctx context.Context, walletAddr string, seatIndex int, seed string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.State != models.StateFunding && r.data.State != models.StateLocked {
		return ErrBadState
	}
	seat := r.data.SeatByWallet(walletAddr)
	if seat == nil || seat.Index != seatIndex {
		return ErrNotSeated
	}
	seed = strings.ToLower(seed)
	if seed == "" {
		return ErrInvalidSeed
	}
	if _, err := hex.DecodeString(seed); err != nil {
		return ErrInvalidSeed
	}
	seat.ClientSeed = seed
	r.touch()
	r.persist(ctx)
	r.emitSnapshot()
	return nil
}

// ConfirmSeatDeposit is the deposit monitor's entry point. Idempotent:
// a confirmed seat never reverts and repeat calls are no-ops. The
// FUNDING to LOCKED transition itself happens on the scheduler tick so
// the monitor never blocks on chain I/O.
func (r *Room) ConfirmSeatDeposit(ctx context.Context, seatIndex int, txID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.State != models.StateLobby && r.data.State != models.StateFunding {
		return ErrBadState
	}
	if seatIndex < 0 || seatIndex >= len(r.data.Seats) {
		return fmt.Errorf("game: seat %d out of range in room %s", seatIndex, r.data.ID)
	}
	seat := &r.data.Seats[seatIndex]
	if !seat.Occupied() {
		return ErrNotSeated
	}
	if seat.Confirmed {
		return nil
	}
	if amount < r.data.SeatPrice {
		return fmt.Errorf("game: deposit %d below seat price %d", amount, r.data.SeatPrice)
	}
	now := r.mgr.now()
	seat.Confirmed = true
	seat.ConfirmedAt = &now
	seat.DepositTxID = txID
	seat.Amount = amount
	r.touch()
	r.persist(ctx)
	r.emitSnapshot()
	log.Printf("[room %s] seat %d confirmed: %d sompi (tx %s)", r.data.ID, seatIndex, amount, txID)
	return nil
}

// ReadyForTurn releases the bounded pre-turn wait. Idempotent within a
// turn; calls from anyone but the current shooter are state errors.
func (r *Room) ReadyForTurn(walletAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireShooter(walletAddr); err != nil {
		return err
	}
	r.readySeen = true
	return nil
}

// PullTrigger resolves the current turn for the shooter. A second pull
// within the same turn is a no-op.
func (r *Room) PullTrigger(ctx context.Context, walletAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireShooter(walletAddr); err != nil {
		return err
	}
	if r.pulled {
		return nil
	}
	return r.resolve(ctx)
}

// ConfirmResultsShown releases the payout once a seated client has
// finished the reveal. The results deadline forces it regardless.
func (r *Room) ConfirmResultsShown(ctx context.Context, walletAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.SeatByWallet(walletAddr) == nil {
		return ErrNotSeated
	}
	if !r.awaitingResults {
		return nil
	}
	r.startPayout(ctx)
	return nil
}

func (r *Room) requireShooter(walletAddr string) error {
	if r.data.State != models.StatePlaying || r.data.CurrentTurnSeat == nil {
		return ErrBadState
	}
	seat := r.data.SeatByWallet(walletAddr)
	if seat == nil {
		return ErrNotSeated
	}
	if seat.Index != *r.data.CurrentTurnSeat {
		return ErrNotYourTurn
	}
	return nil
}

// tick evaluates every absolute deadline stored on the room. Called by
// the manager scheduler; all transitions are driven from here or from
// client entry points, never from ad-hoc goroutines.
func (r *Room) tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.data.State {
	case models.StateLobby, models.StateFunding:
		if now.After(r.data.ExpiresAt) {
			r.abort(ctx, "funding window expired")
			return
		}
		if r.allSeatsConfirmed() && now.After(r.nextChainPoll) {
			r.nextChainPoll = now.Add(chainPollEvery)
			r.tryLock(ctx)
		}
	case models.StateLocked:
		if now.After(r.nextChainPoll) {
			r.nextChainPoll = now.Add(chainPollEvery)
			r.trySettlementBlock(ctx)
		}
	case models.StatePlaying:
		if r.data.TurnDeadline == nil &&
			(r.readySeen || r.data.PreTurnDeadline == nil || now.After(*r.data.PreTurnDeadline)) {
			r.startTurnTimer(ctx, now)
		}
		if r.data.TurnDeadline != nil && !r.pulled && now.After(*r.data.TurnDeadline) {
			shooter := -1
			if r.data.CurrentTurnSeat != nil {
				shooter = *r.data.CurrentTurnSeat
			}
			log.Printf("[room %s] turn %d timed out, forcing pull for seat %d", r.data.ID, r.data.TurnID, shooter)
			if err := r.resolve(ctx); err != nil {
				log.Printf("[room %s] forced pull failed: %v", r.data.ID, err)
			}
		}
	case models.StateSettled:
		if r.awaitingResults && now.After(r.resultsDeadline) {
			r.startPayout(ctx)
		}
	}
}

func (r *Room) allSeatsConfirmed() bool {
	for i := range r.data.Seats {
		if !r.data.Seats[i].Confirmed {
			return false
		}
	}
	return len(r.data.Seats) > 0
}

// tryLock performs FUNDING -> LOCKED: records the lock height and the
// settlement target, and fixes the turn order for the whole game.
func (r *Room) tryLock(ctx context.Context) {
	tip, err := r.mgr.chain.CurrentTip(ctx)
	if err != nil {
		log.Printf("[room %s] lock deferred, chain unavailable: %v", r.data.ID, err)
		return
	}
	r.data.LockHeight = tip.DaaScore
	r.data.SettlementBlockHeight = tip.DaaScore + r.mgr.cfg.SettlementBlockOffset
	r.data.TurnOrder = r.computeTurnOrder()
	r.data.State = models.StateLocked
	r.touch()
	r.persist(ctx)
	r.emitSnapshot()
	log.Printf("[room %s] locked at DAA %d, settlement at %d", r.data.ID, r.data.LockHeight, r.data.SettlementBlockHeight)
}

// computeTurnOrder sorts confirmed seats by confirmedAt, ties broken by
// seat index. Fixed here and never recomputed.
func (r *Room) computeTurnOrder() []int {
	var order []int
	for i := range r.data.Seats {
		if r.data.Seats[i].Confirmed {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := r.data.Seats[order[a]], r.data.Seats[order[b]]
		if sa.ConfirmedAt.Equal(*sb.ConfirmedAt) {
			return sa.Index < sb.Index
		}
		return sa.ConfirmedAt.Before(*sb.ConfirmedAt)
	})
	return order
}

// trySettlementBlock performs LOCKED -> PLAYING once the chain reaches
// the settlement height. If no seat submitted a seed by then the round
// derivation can never succeed, so the room aborts with refunds.
func (r *Room) trySettlementBlock(ctx context.Context) {
	tip, err := r.mgr.chain.CurrentTip(ctx)
	if err != nil {
		log.Printf("[room %s] settlement poll failed: %v", r.data.ID, err)
		return
	}
	if tip.DaaScore < r.data.SettlementBlockHeight {
		return
	}
	if tip.TipHash == "" {
		log.Printf("[room %s] settlement height reached but tip hash empty, retrying", r.data.ID)
		return
	}
	if len(r.clientSeeds()) == 0 {
		r.abort(ctx, "no client seeds submitted before settlement block")
		return
	}

	r.data.SettlementBlockHash = tip.TipHash
	r.data.State = models.StatePlaying
	first := r.firstAliveInOrder()
	r.data.CurrentTurnSeat = &first
	r.touch()
	r.persist(ctx)
	r.emit("game:start", map[string]interface{}{
		"settlementBlockHash": r.data.SettlementBlockHash,
		"turnOrder":           r.data.TurnOrder,
	})
	r.emitSnapshot()
	log.Printf("[room %s] playing: settlement hash %s", r.data.ID, tip.TipHash)
	r.beginTurn(ctx)
}

// beginTurn starts a turn for data.CurrentTurnSeat: bumps turnId, emits
// turn:start, and opens the bounded ready wait. The timer itself starts
// on the next tick (or immediately on ready_for_turn). Both deadlines
// are persisted so a restart resumes the turn instead of resetting it.
func (r *Room) beginTurn(ctx context.Context) {
	r.data.TurnID++
	r.readySeen = false
	r.pulled = false
	pre := r.mgr.now().Add(preTurnWait)
	r.data.PreTurnDeadline = &pre
	r.data.TurnDeadline = nil
	r.persist(ctx)
	r.emit("turn:start", map[string]interface{}{
		"turnId":    r.data.TurnID,
		"seatIndex": *r.data.CurrentTurnSeat,
	})
}

func (r *Room) startTurnTimer(ctx context.Context, now time.Time) {
	deadline := now.Add(r.mgr.cfg.TurnTimeout)
	r.data.TurnDeadline = &deadline
	r.data.PreTurnDeadline = nil
	r.persist(ctx)
	r.emit("turn:timer_start", map[string]interface{}{
		"turnId":         r.data.TurnID,
		"seatIndex":      *r.data.CurrentTurnSeat,
		"deadline":       deadline.UTC().Format(time.RFC3339Nano),
		"timeoutSeconds": int(r.mgr.cfg.TurnTimeout.Seconds()),
	})
}

// resolve runs the shared resolution path for voluntary and forced
// pulls: derive randomness, apply the draw, append the round, advance
// or finish. A derivation failure refuses the transition and leaves the
// room in its pre-transition state.
func (r *Room) resolve(ctx context.Context) error {
	shooter := *r.data.CurrentTurnSeat
	roundIndex := len(r.data.Rounds)

	randomness, err := rng.RoundRandomness(r.data.ServerSeed, r.clientSeeds(),
		r.data.ID, roundIndex, r.data.SettlementBlockHash)
	if err != nil {
		log.Printf("[room %s] INVARIANT: round %d derivation refused: %v", r.data.ID, roundIndex, err)
		return err
	}

	alive := r.aliveOrder()
	chambers := len(alive)
	pos := -1
	for i, seatIdx := range alive {
		if seatIdx == shooter {
			pos = i
		}
	}
	if pos < 0 {
		return fmt.Errorf("game: INVARIANT: shooter seat %d not alive in room %s", shooter, r.data.ID)
	}
	bullets := 1
	if r.data.Mode == models.ModeExtreme {
		bullets = chambers - 1
	}
	died, err := rng.Fires(randomness, chambers, pos, bullets)
	if err != nil {
		log.Printf("[room %s] INVARIANT: draw refused: %v", r.data.ID, err)
		return err
	}

	r.pulled = true
	round := models.Round{
		Index:       roundIndex,
		ShooterSeat: shooter,
		TargetSeat:  shooter,
		Died:        died,
		Randomness:  randomness,
		Timestamp:   r.mgr.now(),
	}
	r.data.Rounds = append(r.data.Rounds, round)
	if died {
		r.data.Seats[shooter].Alive = false
	}
	r.touch()
	if err := r.mgr.store.AppendRound(ctx, r.data.ID, round); err != nil {
		log.Printf("[room %s] persist round %d: %v", r.data.ID, round.Index, err)
	}
	r.persist(ctx)
	r.emit("round:result", map[string]interface{}{
		"round": round,
		"alive": len(r.aliveOrder()),
	})

	if r.gameOver() {
		r.endGame(ctx)
		return nil
	}
	next := r.nextAliveAfter(shooter)
	r.data.CurrentTurnSeat = &next
	r.emitSnapshot()
	r.beginTurn(ctx)
	return nil
}

func (r *Room) gameOver() bool {
	if len(r.aliveOrder()) < 2 {
		return true
	}
	return len(r.data.Rounds) >= cylinderSize*len(r.data.Seats)
}

// endGame performs PLAYING -> SETTLED: reveal, final events, then hold
// the payout until clients confirm the reveal (or the deadline passes).
func (r *Room) endGame(ctx context.Context) {
	r.data.State = models.StateSettled
	r.data.CurrentTurnSeat = nil
	r.data.PreTurnDeadline = nil
	r.data.TurnDeadline = nil
	r.awaitingResults = true
	r.resultsDeadline = r.mgr.now().Add(resultsWait)
	r.touch()
	r.persist(ctx)

	survivors := r.aliveOrder()
	r.emit("game:end", map[string]interface{}{
		"survivors": survivors,
		"rounds":    len(r.data.Rounds),
	})
	r.emit("rng:reveal", map[string]interface{}{
		"serverSeed":   r.data.ServerSeed,
		"serverCommit": r.data.ServerCommit,
	})
	r.emitSnapshot()
	log.Printf("[room %s] settled after %d rounds, %d survivor(s)", r.data.ID, len(r.data.Rounds), len(survivors))
}

// startPayout launches the payout submission exactly once. Runs the
// blocking disbursement off the room lock; only the result write-back
// re-enters it. The payout tx id is terminal-state monitoring metadata.
func (r *Room) startPayout(ctx context.Context) {
	if r.payoutStarted {
		return
	}
	r.payoutStarted = true
	r.awaitingResults = false

	payees := r.payoutPayees()
	roomID := r.data.ID
	if len(payees) == 0 {
		log.Printf("[room %s] nothing to pay out", roomID)
		return
	}

	go func() {
		txID, err := r.mgr.payer.Disburse(context.WithoutCancel(ctx), roomID, payees)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			log.Printf("[room %s] payout failed terminally: %v", roomID, err)
			r.data.PayoutTxID = models.PayoutFailedSentinel
			r.touch()
			r.persist(context.WithoutCancel(ctx))
			r.emitSnapshot()
			return
		}
		r.data.PayoutTxID = txID
		r.touch()
		r.persist(context.WithoutCancel(ctx))
		for _, p := range payees {
			if err := r.mgr.store.RecordPayout(context.WithoutCancel(ctx), models.PayoutEntry{
				RoomID: roomID, Address: p.Address, Amount: p.Amount, TxID: txID,
			}); err != nil {
				log.Printf("[room %s] record payout: %v", roomID, err)
			}
		}
		r.emit("payout:sent", map[string]interface{}{"txId": txID})
		r.emitSnapshot()
	}()
}

// payoutPayees splits the pot: house cut floored, survivors share the
// remainder, and any indivisible sompi go to the first survivor in
// turn order.
func (r *Room) payoutPayees() []wallet.Payee {
	survivors := r.aliveOrder()
	if len(survivors) == 0 {
		return nil
	}
	pot := r.data.Pot()
	houseCut := pot * int64(r.data.HouseCutPercent) / 100
	pool := pot - houseCut
	share := pool / int64(len(survivors))
	remainder := pool % int64(len(survivors))

	var payees []wallet.Payee
	for i, seatIdx := range survivors {
		amount := share
		if i == 0 {
			amount += remainder
		}
		payees = append(payees, wallet.Payee{
			Address: r.data.Seats[seatIdx].WalletAddress,
			Amount:  amount,
		})
	}
	if houseCut > 0 {
		payees = append(payees, wallet.Payee{Address: r.mgr.treasury, Amount: houseCut})
	}
	return payees
}

// abort terminates a room that never reached play. Confirmed seats are
// refunded the exact confirmed amount to the recorded payer address.
func (r *Room) abort(ctx context.Context, reason string) {
	r.data.State = models.StateAborted
	r.data.CurrentTurnSeat = nil
	r.data.PreTurnDeadline = nil
	r.data.TurnDeadline = nil
	r.touch()
	r.persist(ctx)
	r.emit("game:end", map[string]interface{}{"aborted": true, "reason": reason})
	r.emit("rng:reveal", map[string]interface{}{
		"serverSeed":   r.data.ServerSeed,
		"serverCommit": r.data.ServerCommit,
	})
	r.emitSnapshot()
	log.Printf("[room %s] aborted: %s", r.data.ID, reason)
	r.launchRefunds(ctx)
}

// launchRefunds submits the abort reimbursements exactly once per
// process. Called with the room lock held, from abort or from recovery
// when a restart finds an aborted room with no refund tx recorded.
func (r *Room) launchRefunds(ctx context.Context) {
	if r.refundStarted {
		return
	}
	r.refundStarted = true

	type owed struct {
		seat    int
		address string
		amount  int64
	}
	var refunds []owed
	var payees []wallet.Payee
	for i := range r.data.Seats {
		seat := &r.data.Seats[i]
		if seat.Confirmed {
			refunds = append(refunds, owed{seat: seat.Index, address: seat.WalletAddress, amount: seat.Amount})
			payees = append(payees, wallet.Payee{Address: seat.WalletAddress, Amount: seat.Amount})
		}
	}
	if len(payees) == 0 {
		return
	}
	roomID := r.data.ID

	go func() {
		txID, err := r.mgr.payer.Disburse(context.WithoutCancel(ctx), roomID, payees)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			log.Printf("[room %s] refund submission failed: %v", roomID, err)
			return
		}
		r.data.RefundTxIDs = append(r.data.RefundTxIDs, txID)
		r.touch()
		r.persist(context.WithoutCancel(ctx))
		for _, ref := range refunds {
			if err := r.mgr.store.RecordRefund(context.WithoutCancel(ctx), models.RefundEntry{
				RoomID: roomID, SeatIndex: ref.seat, Address: ref.address, Amount: ref.amount, TxID: txID,
			}); err != nil {
				log.Printf("[room %s] record refund: %v", roomID, err)
			}
		}
		r.emitSnapshot()
		log.Printf("[room %s] refunded %d seat(s) in tx %s", roomID, len(refunds), txID)
	}()
}

// ── helpers ──────────────────────────────────────────────────────────

func (r *Room) firstEmptySeat() *models.Seat {
	for i := range r.data.Seats {
		if !r.data.Seats[i].Occupied() {
			return &r.data.Seats[i]
		}
	}
	return nil
}

func (r *Room) clientSeeds() []string {
	var seeds []string
	for i := range r.data.Seats {
		if r.data.Seats[i].Confirmed && r.data.Seats[i].ClientSeed != "" {
			seeds = append(seeds, r.data.Seats[i].ClientSeed)
		}
	}
	return seeds
}

// aliveOrder returns the alive seats in the fixed turn order.
func (r *Room) aliveOrder() []int {
	var alive []int
	for _, seatIdx := range r.data.TurnOrder {
		if r.data.Seats[seatIdx].Alive {
			alive = append(alive, seatIdx)
		}
	}
	return alive
}

func (r *Room) firstAliveInOrder() int {
	alive := r.aliveOrder()
	return alive[0]
}

// nextAliveAfter finds the next alive seat after the shooter in the
// fixed order, wrapping around.
func (r *Room) nextAliveAfter(shooter int) int {
	order := r.data.TurnOrder
	start := 0
	for i, seatIdx := range order {
		if seatIdx == shooter {
			start = i
			break
		}
	}
	for step := 1; step <= len(order); step++ {
		candidate := order[(start+step)%len(order)]
		if r.data.Seats[candidate].Alive {
			return candidate
		}
	}
	return shooter
}

func (r *Room) touch() {
	r.data.UpdatedAt = r.mgr.now()
}

func (r *Room) persist(ctx context.Context) {
	if err := r.mgr.store.SaveRoom(ctx, r.data.Snapshot()); err != nil {
		log.Printf("[room %s] persist: %v", r.data.ID, err)
	}
}

func (r *Room) emit(event string, payload interface{}) {
	r.mgr.emitter.RoomEvent(r.data.ID, event, payload)
}

func (r *Room) emitSnapshot() {
	r.mgr.emitter.RoomSnapshot(r.data.PublicSnapshot())
}
