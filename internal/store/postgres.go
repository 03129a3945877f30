// Package store persists rooms, seats, rounds, and disbursement audit
// rows in PostgreSQL. Writes are atomic per room aggregate; nothing in
// the engine needs a transaction spanning two rooms.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasplay/roulette-engine/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works in the
// runtime image without shipping the .sql file alongside it.
//
//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	pool *pgxpool.Pool
}

// Connect initializes the pgx connection pool and pings the database.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	log.Println("[store] connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL.
func (s *Postgres) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: schema init: %w", err)
	}
	log.Println("[store] schema initialized")
	return nil
}

// SaveRoom upserts the room row and all seat rows in one transaction.
// Rounds are appended separately (they are immutable once written).
func (s *Postgres) SaveRoom(ctx context.Context, room *models.Room) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO rooms (id, mode, state, seat_price, min_players, max_players,
			house_cut_percent, server_commit, server_seed, lock_height,
			settlement_block_height, settlement_block_hash, current_turn_seat,
			turn_id, payout_tx_id, refund_tx_ids, turn_order,
			pre_turn_deadline, turn_deadline,
			created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			server_seed = EXCLUDED.server_seed,
			lock_height = EXCLUDED.lock_height,
			settlement_block_height = EXCLUDED.settlement_block_height,
			settlement_block_hash = EXCLUDED.settlement_block_hash,
			current_turn_seat = EXCLUDED.current_turn_seat,
			turn_id = EXCLUDED.turn_id,
			payout_tx_id = EXCLUDED.payout_tx_id,
			refund_tx_ids = EXCLUDED.refund_tx_ids,
			turn_order = EXCLUDED.turn_order,
			pre_turn_deadline = EXCLUDED.pre_turn_deadline,
			turn_deadline = EXCLUDED.turn_deadline,
			updated_at = EXCLUDED.updated_at;
	`, room.ID, room.Mode, room.State, room.SeatPrice, room.MinPlayers, room.MaxPlayers,
		room.HouseCutPercent, room.ServerCommit, room.ServerSeed, int64(room.LockHeight),
		int64(room.SettlementBlockHeight), room.SettlementBlockHash, room.CurrentTurnSeat,
		room.TurnID, room.PayoutTxID, room.RefundTxIDs, room.TurnOrder,
		room.PreTurnDeadline, room.TurnDeadline,
		room.CreatedAt, room.UpdatedAt, room.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: upsert room %s: %w", room.ID, err)
	}

	for i := range room.Seats {
		seat := &room.Seats[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO seats (room_id, idx, wallet_address, deposit_address,
				deposit_tx_id, amount, confirmed, confirmed_at, client_seed, alive)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (room_id, idx) DO UPDATE SET
				wallet_address = EXCLUDED.wallet_address,
				deposit_tx_id = EXCLUDED.deposit_tx_id,
				amount = EXCLUDED.amount,
				confirmed = EXCLUDED.confirmed,
				confirmed_at = EXCLUDED.confirmed_at,
				client_seed = EXCLUDED.client_seed,
				alive = EXCLUDED.alive;
		`, room.ID, seat.Index, seat.WalletAddress, seat.DepositAddress,
			seat.DepositTxID, seat.Amount, seat.Confirmed, seat.ConfirmedAt,
			seat.ClientSeed, seat.Alive)
		if err != nil {
			return fmt.Errorf("store: upsert seat %s/%d: %w", room.ID, seat.Index, err)
		}
	}

	return tx.Commit(ctx)
}

// AppendRound writes one immutable round row.
func (s *Postgres) AppendRound(ctx context.Context, roomID string, round models.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (room_id, idx, shooter_seat, target_seat, died, randomness, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7);
	`, roomID, round.Index, round.ShooterSeat, round.TargetSeat, round.Died, round.Randomness, round.Timestamp)
	if err != nil {
		return fmt.Errorf("store: append round %s/%d: %w", roomID, round.Index, err)
	}
	return nil
}

// RecordRefund writes one refund audit row.
func (s *Postgres) RecordRefund(ctx context.Context, entry models.RefundEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refunds (room_id, seat_idx, address, amount, tx_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (room_id, seat_idx) DO NOTHING;
	`, entry.RoomID, entry.SeatIndex, entry.Address, entry.Amount, entry.TxID)
	if err != nil {
		return fmt.Errorf("store: record refund %s/%d: %w", entry.RoomID, entry.SeatIndex, err)
	}
	return nil
}

// RecordPayout writes one payout audit row.
func (s *Postgres) RecordPayout(ctx context.Context, entry models.PayoutEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payouts (room_id, address, amount, tx_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (room_id, address) DO NOTHING;
	`, entry.RoomID, entry.Address, entry.Amount, entry.TxID)
	if err != nil {
		return fmt.Errorf("store: record payout %s: %w", entry.RoomID, err)
	}
	return nil
}

// LoadActiveRooms returns the rooms restart recovery must re-own:
// every non-terminal room, plus terminal rooms whose disbursement never
// made it out — settled without a payout tx, or aborted with confirmed
// deposits and no refund tx.
func (s *Postgres) LoadActiveRooms(ctx context.Context) ([]*models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, state, seat_price, min_players, max_players,
			house_cut_percent, server_commit, server_seed, lock_height,
			settlement_block_height, settlement_block_hash, current_turn_seat,
			turn_id, payout_tx_id, refund_tx_ids, turn_order,
			pre_turn_deadline, turn_deadline,
			created_at, updated_at, expires_at
		FROM rooms
		WHERE state NOT IN ('SETTLED', 'ABORTED')
			OR (state = 'SETTLED' AND payout_tx_id = '')
			OR (state = 'ABORTED' AND refund_tx_ids = '{}' AND EXISTS (
				SELECT 1 FROM seats
				WHERE seats.room_id = rooms.id AND seats.confirmed))
		ORDER BY created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load active rooms: %w", err)
	}
	defer rows.Close()

	var result []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, room)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for _, room := range result {
		if err := s.loadSeats(ctx, room); err != nil {
			return nil, err
		}
		if err := s.loadRounds(ctx, room); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetRoom returns one room with seats and rounds, or pgx.ErrNoRows.
func (s *Postgres) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, mode, state, seat_price, min_players, max_players,
			house_cut_percent, server_commit, server_seed, lock_height,
			settlement_block_height, settlement_block_hash, current_turn_seat,
			turn_id, payout_tx_id, refund_tx_ids, turn_order,
			pre_turn_deadline, turn_deadline,
			created_at, updated_at, expires_at
		FROM rooms WHERE id = $1;
	`, id)
	room, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadSeats(ctx, room); err != nil {
		return nil, err
	}
	if err := s.loadRounds(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var room models.Room
	var lockHeight, settlementHeight int64
	err := row.Scan(&room.ID, &room.Mode, &room.State, &room.SeatPrice,
		&room.MinPlayers, &room.MaxPlayers, &room.HouseCutPercent,
		&room.ServerCommit, &room.ServerSeed, &lockHeight,
		&settlementHeight, &room.SettlementBlockHash, &room.CurrentTurnSeat,
		&room.TurnID, &room.PayoutTxID, &room.RefundTxIDs, &room.TurnOrder,
		&room.PreTurnDeadline, &room.TurnDeadline,
		&room.CreatedAt, &room.UpdatedAt, &room.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan room: %w", err)
	}
	room.LockHeight = uint64(lockHeight)
	room.SettlementBlockHeight = uint64(settlementHeight)
	return &room, nil
}

func (s *Postgres) loadSeats(ctx context.Context, room *models.Room) error {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, wallet_address, deposit_address, deposit_tx_id, amount,
			confirmed, confirmed_at, client_seed, alive
		FROM seats WHERE room_id = $1 ORDER BY idx;
	`, room.ID)
	if err != nil {
		return fmt.Errorf("store: load seats %s: %w", room.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seat models.Seat
		var confirmedAt *time.Time
		if err := rows.Scan(&seat.Index, &seat.WalletAddress, &seat.DepositAddress,
			&seat.DepositTxID, &seat.Amount, &seat.Confirmed, &confirmedAt,
			&seat.ClientSeed, &seat.Alive); err != nil {
			return fmt.Errorf("store: scan seat: %w", err)
		}
		seat.ConfirmedAt = confirmedAt
		room.Seats = append(room.Seats, seat)
	}
	return rows.Err()
}

func (s *Postgres) loadRounds(ctx context.Context, room *models.Room) error {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, shooter_seat, target_seat, died, randomness, ts
		FROM rounds WHERE room_id = $1 ORDER BY idx;
	`, room.ID)
	if err != nil {
		return fmt.Errorf("store: load rounds %s: %w", room.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var round models.Round
		if err := rows.Scan(&round.Index, &round.ShooterSeat, &round.TargetSeat,
			&round.Died, &round.Randomness, &round.Timestamp); err != nil {
			return fmt.Errorf("store: scan round: %w", err)
		}
		room.Rounds = append(room.Rounds, round)
	}
	return rows.Err()
}
