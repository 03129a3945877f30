package game

import (
	"context"

	"github.com/kasplay/roulette-engine/pkg/models"
)

// Manager-level entry points: resolve the room and delegate to its
// serialized mutation methods. The hub and the deposit monitor only see
// these; they never hold a *Room.

// JoinRoom seats a wallet in the given room.
func (m *Manager) JoinRoom(ctx context.Context, roomID, walletAddr string) (int, error) {
	room, err := m.Room(roomID)
	if err != nil {
		return 0, err
	}
	return room.Join(ctx, walletAddr)
}

// LeaveRoom frees a wallet's unconfirmed seat.
func (m *Manager) LeaveRoom(ctx context.Context, roomID, walletAddr string) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.Leave(ctx, walletAddr)
}

// SubmitClientSeed records a seat's entropy contribution.
func (m *Manager) SubmitClientSeed(ctx context.Context, roomID, walletAddr string, seatIndex int, seed string) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.SubmitClientSeed(ctx, walletAddr, seatIndex, seed)
}

// ReadyForTurn releases the pre-turn wait for the current shooter.
func (m *Manager) ReadyForTurn(roomID, walletAddr string) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.ReadyForTurn(walletAddr)
}

// PullTrigger resolves the current turn for the shooter.
func (m *Manager) PullTrigger(ctx context.Context, roomID, walletAddr string) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.PullTrigger(ctx, walletAddr)
}

// ConfirmResultsShown releases a settled room's payout.
func (m *Manager) ConfirmResultsShown(ctx context.Context, roomID, walletAddr string) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.ConfirmResultsShown(ctx, walletAddr)
}

// ConfirmDeposit is the deposit monitor's entry point.
func (m *Manager) ConfirmDeposit(ctx context.Context, roomID string, seatIndex int, txID string, amount int64) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	return room.ConfirmSeatDeposit(ctx, seatIndex, txID, amount)
}

// RoomSnapshot returns a broadcast-safe copy of one room.
func (m *Manager) RoomSnapshot(roomID string) (*models.Room, error) {
	room, err := m.Room(roomID)
	if err != nil {
		return nil, err
	}
	return room.PublicSnapshot(), nil
}
