package game

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/kasplay/roulette-engine/internal/config"
	"github.com/kasplay/roulette-engine/pkg/models"
)

var (
	ErrBadSeatPrice = errors.New("game: seat price outside the allowed range")
	ErrNotQueued    = errors.New("game: wallet is not in the queue")
)

// queueEntry is one waiting wallet. Entries expire after the queue TTL.
type queueEntry struct {
	wallet   string
	joinedAt time.Time
}

type bucketKey struct {
	mode      models.GameMode
	seatPrice int64
}

// Queue batches waiting wallets into buckets keyed by (mode, seat
// price) and materializes a room the moment a bucket fills. A wallet
// holds at most one queue position; re-joining moves it.
type Queue struct {
	cfg *config.Config
	mgr *Manager

	mu      sync.Mutex
	buckets map[bucketKey][]queueEntry

	// onMatched tells the hub which wallets to route into the new room.
	onMatched func(roomID string, wallets []string)
}

// NewQueue builds the matchmaking queue on top of the room manager.
func NewQueue(cfg *config.Config, mgr *Manager) *Queue {
	return &Queue{
		cfg:     cfg,
		mgr:     mgr,
		buckets: make(map[bucketKey][]queueEntry),
	}
}

// SetMatchedFunc registers the hub callback invoked (outside the queue
// lock) when a bucket fills and its room exists.
func (q *Queue) SetMatchedFunc(fn func(roomID string, wallets []string)) {
	q.onMatched = fn
}

// JoinQuick enqueues a wallet for a quick match at the configured
// price. The bucket fills as soon as the minimum player count waits;
// the materialized room is sized to the matched batch.
func (q *Queue) JoinQuick(ctx context.Context, wallet string, mode models.GameMode) (int, error) {
	return q.join(ctx, wallet, mode, q.cfg.QuickMatch.SeatPrice, q.cfg.QuickMatch.MinPlayers, q.cfg.QuickMatch.Timeout)
}

// JoinCustom enqueues a wallet at an arbitrary price within the
// configured bounds.
func (q *Queue) JoinCustom(ctx context.Context, wallet string, mode models.GameMode, seatPrice int64, players int) (int, error) {
	if seatPrice < q.cfg.CustomMinSeatPrice || seatPrice > q.cfg.CustomMaxSeatPrice {
		return 0, ErrBadSeatPrice
	}
	if players < q.cfg.CustomMinPlayers || players > q.cfg.CustomMaxPlayers {
		return 0, errors.New("game: player count outside the allowed range")
	}
	return q.join(ctx, wallet, mode, seatPrice, players, q.cfg.CustomTimeout)
}

// join is the shared enqueue path: removes any prior position, appends
// to the bucket, and fills a room if the bucket is complete. Returns
// the wallet's position in its bucket.
func (q *Queue) join(ctx context.Context, wallet string, mode models.GameMode, seatPrice int64, players int, timeout time.Duration) (int, error) {
	q.mu.Lock()
	q.removeLocked(wallet)
	key := bucketKey{mode: mode, seatPrice: seatPrice}
	q.buckets[key] = append(q.buckets[key], queueEntry{wallet: wallet, joinedAt: q.mgr.now()})
	pos := len(q.buckets[key])

	var matched []string
	if pos >= players {
		matched = make([]string, players)
		for i, e := range q.buckets[key][:players] {
			matched[i] = e.wallet
		}
		rest := q.buckets[key][players:]
		if len(rest) == 0 {
			delete(q.buckets, key)
		} else {
			q.buckets[key] = append([]queueEntry(nil), rest...)
		}
	}
	q.mu.Unlock()

	if matched == nil {
		log.Printf("[queue] %s waiting at position %d (mode=%s price=%d)", wallet, pos, mode, seatPrice)
		return pos, nil
	}
	if err := q.materialize(ctx, mode, seatPrice, players, timeout, matched); err != nil {
		// Put the batch back at the head so nobody loses their spot.
		q.mu.Lock()
		entries := make([]queueEntry, 0, len(matched)+len(q.buckets[key]))
		for _, w := range matched {
			entries = append(entries, queueEntry{wallet: w, joinedAt: q.mgr.now()})
		}
		q.buckets[key] = append(entries, q.buckets[key]...)
		q.mu.Unlock()
		return 0, err
	}
	return 0, nil
}

// materialize creates the room and seats every matched wallet.
func (q *Queue) materialize(ctx context.Context, mode models.GameMode, seatPrice int64, players int, timeout time.Duration, wallets []string) error {
	room, err := q.mgr.CreateRoom(ctx, RoomParams{
		Mode:            mode,
		SeatPrice:       seatPrice,
		MinPlayers:      players,
		MaxPlayers:      players,
		HouseCutPercent: q.cfg.HouseCutPercent,
		FundingTimeout:  timeout,
	})
	if err != nil {
		return err
	}
	for _, wallet := range wallets {
		if _, err := room.Join(ctx, wallet); err != nil {
			log.Printf("[queue] seating %s in room %s: %v", wallet, room.ID(), err)
		}
	}
	log.Printf("[queue] matched %d wallets into room %s", len(wallets), room.ID())
	if q.onMatched != nil {
		q.onMatched(room.ID(), wallets)
	}
	return nil
}

// Leave removes a wallet from whatever bucket holds it.
func (q *Queue) Leave(wallet string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(wallet) {
		return ErrNotQueued
	}
	return nil
}

func (q *Queue) removeLocked(wallet string) bool {
	for key, entries := range q.buckets {
		for i, e := range entries {
			if e.wallet == wallet {
				entries = append(entries[:i], entries[i+1:]...)
				if len(entries) == 0 {
					delete(q.buckets, key)
				} else {
					q.buckets[key] = entries
				}
				return true
			}
		}
	}
	return false
}

// Waiting returns the number of queued wallets across all buckets.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entries := range q.buckets {
		n += len(entries)
	}
	return n
}

// Run sweeps expired entries until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() {
	cutoff := q.mgr.now().Add(-q.cfg.QueueTTL)
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, entries := range q.buckets {
		kept := entries[:0]
		for _, e := range entries {
			if e.joinedAt.After(cutoff) {
				kept = append(kept, e)
			} else {
				log.Printf("[queue] %s expired after %s", e.wallet, q.cfg.QueueTTL)
			}
		}
		if len(kept) == 0 {
			delete(q.buckets, key)
		} else {
			q.buckets[key] = kept
		}
	}
}
