package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasplay/roulette-engine/pkg/models"
)

func newQueueFixture(t *testing.T) (*fixture, *Queue) {
	t.Helper()
	f := newFixture(t)
	return f, NewQueue(f.cfg, f.mgr)
}

func TestQueueFillsBucketAndMaterializes(t *testing.T) {
	f, q := newQueueFixture(t)
	ctx := context.Background()

	var matchedRoom string
	var matchedWallets []string
	q.SetMatchedFunc(func(roomID string, wallets []string) {
		matchedRoom = roomID
		matchedWallets = wallets
	})

	if pos, err := q.JoinQuick(ctx, "kaspa:a", models.ModeRegular); err != nil || pos != 1 {
		t.Fatalf("first join: pos=%d err=%v, want 1", pos, err)
	}
	if pos, err := q.JoinQuick(ctx, "kaspa:b", models.ModeRegular); err != nil || pos != 2 {
		t.Fatalf("second join: pos=%d err=%v, want 2", pos, err)
	}
	if q.Waiting() != 2 {
		t.Fatalf("waiting = %d, want 2", q.Waiting())
	}

	// Third join completes the quick-match bucket.
	if _, err := q.JoinQuick(ctx, "kaspa:c", models.ModeRegular); err != nil {
		t.Fatalf("filling join: %v", err)
	}
	if q.Waiting() != 0 {
		t.Errorf("waiting after match = %d, want 0", q.Waiting())
	}
	if matchedRoom == "" {
		t.Fatal("matched callback never fired")
	}
	if len(matchedWallets) != 3 || matchedWallets[0] != "kaspa:a" || matchedWallets[2] != "kaspa:c" {
		t.Errorf("matched wallets = %v, want FIFO [a b c]", matchedWallets)
	}

	room, err := f.mgr.Room(matchedRoom)
	if err != nil {
		t.Fatalf("materialized room missing from registry: %v", err)
	}
	snap := room.PublicSnapshot()
	if snap.SeatPrice != f.cfg.QuickMatch.SeatPrice {
		t.Errorf("seat price = %d, want quick-match %d", snap.SeatPrice, f.cfg.QuickMatch.SeatPrice)
	}
	for _, w := range matchedWallets {
		if snap.SeatByWallet(w) == nil {
			t.Errorf("wallet %s was matched but holds no seat", w)
		}
	}
}

func TestQuickMatchFillsAtMinPlayers(t *testing.T) {
	f, q := newQueueFixture(t)
	f.cfg.QuickMatch.MinPlayers = 2
	f.cfg.QuickMatch.MaxPlayers = 5
	ctx := context.Background()

	var matchedRoom string
	q.SetMatchedFunc(func(roomID string, _ []string) { matchedRoom = roomID })

	if _, err := q.JoinQuick(ctx, "kaspa:a", models.ModeRegular); err != nil {
		t.Fatal(err)
	}
	if matchedRoom != "" {
		t.Fatal("matched below the minimum player count")
	}
	if _, err := q.JoinQuick(ctx, "kaspa:b", models.ModeRegular); err != nil {
		t.Fatal(err)
	}
	if matchedRoom == "" {
		t.Fatal("bucket did not fill at the minimum player count")
	}

	room, err := f.mgr.Room(matchedRoom)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(room.PublicSnapshot().Seats); got != 2 {
		t.Errorf("room seats = %d, want one per matched wallet", got)
	}
}

func TestQueueSingleMembership(t *testing.T) {
	_, q := newQueueFixture(t)
	ctx := context.Background()

	if _, err := q.JoinQuick(ctx, "kaspa:a", models.ModeRegular); err != nil {
		t.Fatal(err)
	}
	// Re-joining a different bucket moves the wallet instead of
	// duplicating it.
	if _, err := q.JoinCustom(ctx, "kaspa:a", models.ModeExtreme, 2*models.SompiPerKAS, 4); err != nil {
		t.Fatal(err)
	}
	if q.Waiting() != 1 {
		t.Fatalf("waiting = %d, want 1 after re-join", q.Waiting())
	}

	if err := q.Leave("kaspa:a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := q.Leave("kaspa:a"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("second leave = %v, want ErrNotQueued", err)
	}
}

func TestQueueRejoinMovesToTail(t *testing.T) {
	_, q := newQueueFixture(t)
	ctx := context.Background()

	var matchedWallets []string
	q.SetMatchedFunc(func(_ string, wallets []string) { matchedWallets = wallets })

	mustJoin := func(w string) {
		t.Helper()
		if _, err := q.JoinQuick(ctx, w, models.ModeRegular); err != nil {
			t.Fatal(err)
		}
	}
	mustJoin("kaspa:a")
	mustJoin("kaspa:b")
	mustJoin("kaspa:a") // loses position 1, re-enters at the tail
	mustJoin("kaspa:c")

	if len(matchedWallets) != 3 {
		t.Fatalf("matched %v, want 3 wallets", matchedWallets)
	}
	if matchedWallets[0] != "kaspa:b" || matchedWallets[1] != "kaspa:a" {
		t.Errorf("matched order = %v, want [b a c]", matchedWallets)
	}
}

func TestJoinCustomRejectsOutOfRangeParams(t *testing.T) {
	f, q := newQueueFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		price   int64
		players int
	}{
		{"price below minimum", f.cfg.CustomMinSeatPrice - 1, 3},
		{"price above maximum", f.cfg.CustomMaxSeatPrice + 1, 3},
		{"too few players", 10 * models.SompiPerKAS, f.cfg.CustomMinPlayers - 1},
		{"too many players", 10 * models.SompiPerKAS, f.cfg.CustomMaxPlayers + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := q.JoinCustom(ctx, "kaspa:a", models.ModeRegular, tc.price, tc.players); err == nil {
				t.Error("join accepted out-of-range parameters")
			}
			if q.Waiting() != 0 {
				t.Error("rejected join left an entry behind")
			}
		})
	}
}

func TestQueueSweepExpiresStaleEntries(t *testing.T) {
	f, q := newQueueFixture(t)
	ctx := context.Background()

	if _, err := q.JoinQuick(ctx, "kaspa:stale", models.ModeRegular); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(f.cfg.QueueTTL / 2)
	if _, err := q.JoinQuick(ctx, "kaspa:fresh", models.ModeRegular); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(f.cfg.QueueTTL/2 + time.Second)
	q.sweep()

	if q.Waiting() != 1 {
		t.Fatalf("waiting after sweep = %d, want 1", q.Waiting())
	}
	if err := q.Leave("kaspa:stale"); !errors.Is(err, ErrNotQueued) {
		t.Error("stale entry survived the sweep")
	}
	if err := q.Leave("kaspa:fresh"); err != nil {
		t.Errorf("fresh entry was swept: %v", err)
	}
}

func TestQueueBucketsAreIsolatedByModeAndPrice(t *testing.T) {
	_, q := newQueueFixture(t)
	ctx := context.Background()

	var matched bool
	q.SetMatchedFunc(func(string, []string) { matched = true })

	// Same price, different modes: never pooled together.
	if _, err := q.JoinQuick(ctx, "kaspa:a", models.ModeRegular); err != nil {
		t.Fatal(err)
	}
	if _, err := q.JoinQuick(ctx, "kaspa:b", models.ModeExtreme); err != nil {
		t.Fatal(err)
	}
	if _, err := q.JoinQuick(ctx, "kaspa:c", models.ModeExtreme); err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Fatal("wallets from different modes were matched together")
	}
	if q.Waiting() != 3 {
		t.Errorf("waiting = %d, want 3", q.Waiting())
	}
}
