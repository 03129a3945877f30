// Package monitor reconciles on-chain deposits with the seats that
// expect them. One ticker loop walks every funding room's unconfirmed
// seats, sums the UTXOs at each deposit address, and confirms the seat
// once the aggregate covers the seat price. Chain errors are absorbed
// per tick; the room's own expiry handles persistent outages.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/kasplay/roulette-engine/pkg/models"
)

const tickInterval = time.Second

// UtxoSource is the chain surface the monitor reads.
type UtxoSource interface {
	GetUtxosByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error)
	IsConnected() bool
}

// Rooms is the game surface the monitor drives.
type Rooms interface {
	FundingRooms() []*models.Room
	ConfirmDeposit(ctx context.Context, roomID string, seatIndex int, txID string, amount int64) error
}

// Deposit is the reconcile loop.
type Deposit struct {
	chain UtxoSource
	rooms Rooms
}

// New wires the monitor.
func New(chain UtxoSource, rooms Rooms) *Deposit {
	return &Deposit{chain: chain, rooms: rooms}
}

// Run ticks until ctx is done.
func (d *Deposit) Run(ctx context.Context) {
	log.Println("[monitor] deposit monitor started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[monitor] deposit monitor stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one reconcile pass. Idempotent: confirmed seats are skipped
// upstream (FundingRooms snapshots carry the confirmed flag) and the
// room rejects repeat confirmations as no-ops.
func (d *Deposit) Tick(ctx context.Context) {
	if !d.chain.IsConnected() {
		return
	}
	for _, room := range d.rooms.FundingRooms() {
		for i := range room.Seats {
			seat := &room.Seats[i]
			if !seat.Occupied() || seat.Confirmed {
				continue
			}
			utxos, err := d.chain.GetUtxosByAddresses(ctx, []string{seat.DepositAddress})
			if err != nil {
				log.Printf("[monitor] utxo query for %s seat %d: %v", room.ID, seat.Index, err)
				continue
			}
			var total int64
			firstTx := ""
			for _, u := range utxos {
				total += u.Amount
				if firstTx == "" {
					firstTx = u.TransactionID
				}
			}
			if total < room.SeatPrice {
				continue
			}
			// A deposit split across several UTXOs aggregates; the
			// overage beyond the seat price is accepted as-is.
			if err := d.rooms.ConfirmDeposit(ctx, room.ID, seat.Index, firstTx, total); err != nil {
				log.Printf("[monitor] confirm %s seat %d: %v", room.ID, seat.Index, err)
			}
		}
	}
}
