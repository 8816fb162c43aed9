package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

type Database struct {
	db  *sql.DB
	log *slog.Logger
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// A finished stroke. ID is chosen by the client and is the only key.
type StrokeOperation struct {
	ID            int64           `json:"id"`
	RoomID        string          `json:"roomId"`
	OperationType string          `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// The latest text document of a room
type TextSnapshot struct {
	ID        int64           `json:"id"`
	RoomID    string          `json:"roomId"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Stats struct {
	Rooms         int `json:"total_rooms"`
	Strokes       int `json:"total_strokes"`
	TextSnapshots int `json:"total_text_snapshots"`
}

func New(dbPath string, log *slog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	// sqlite allows a single writer; queue callers in the pool instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Database initialized", "path", dbPath)
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS drawing_operations (
		id INTEGER PRIMARY KEY,
		room_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_drawing_operations_room_id ON drawing_operations(room_id);

	CREATE TABLE IF NOT EXISTS text_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_text_snapshots_room_id ON text_snapshots(room_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes the room together with its strokes and text snapshots.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, query := range []string{
			"DELETE FROM drawing_operations WHERE room_id = ?",
			"DELETE FROM text_snapshots WHERE room_id = ?",
			"DELETE FROM rooms WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func touchRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id, name) VALUES (?, '')", roomID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", roomID)
	return err
}

// Stroke operations

// SaveStrokeOperation inserts the stroke or overwrites the stroke with the
// same id.
func (d *Database) SaveStrokeOperation(ctx context.Context, op StrokeOperation) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchRoom(ctx, tx, op.RoomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drawing_operations (id, room_id, operation_type, payload, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				room_id = excluded.room_id,
				operation_type = excluded.operation_type,
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP
		`, op.ID, op.RoomID, op.OperationType, nullPayload(op.Payload))
		return err
	})
}

// Ids bound per DELETE statement, well under SQLite's variable limit.
const deleteBatchSize = 500

// DeleteStrokeOperations removes every stroke whose id is in ids. Large id
// lists are deleted in batches within one transaction.
func (d *Database) DeleteStrokeOperations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return d.inTx(ctx, func(tx *sql.Tx) error {
		var deleted int64
		for _, batch := range lo.Chunk(ids, deleteBatchSize) {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
			args := lo.Map(batch, func(id int64, _ int) any { return id })

			result, err := tx.ExecContext(ctx,
				"DELETE FROM drawing_operations WHERE id IN ("+placeholders+")",
				args...,
			)
			if err != nil {
				return err
			}
			if n, err := result.RowsAffected(); err == nil {
				deleted += n
			}
		}
		d.log.Debug("Deleted stroke operations", "requested", len(ids), "deleted", deleted)
		return nil
	})
}

func (d *Database) ListStrokeOperations(ctx context.Context, roomID string) ([]StrokeOperation, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, room_id, operation_type, payload, updated_at FROM drawing_operations WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []StrokeOperation
	for rows.Next() {
		var op StrokeOperation
		var payload []byte
		if err := rows.Scan(&op.ID, &op.RoomID, &op.OperationType, &payload, &op.UpdatedAt); err != nil {
			return nil, err
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Text snapshot operations

// ReplaceTextSnapshot makes snap the only snapshot of its room.
func (d *Database) ReplaceTextSnapshot(ctx context.Context, snap TextSnapshot) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchRoom(ctx, tx, snap.RoomID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM text_snapshots WHERE room_id = ?", snap.RoomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO text_snapshots (room_id, user_id, payload) VALUES (?, ?, ?)",
			snap.RoomID, snap.UserID, nullPayload(snap.Payload),
		)
		return err
	})
}

func (d *Database) DeleteTextSnapshots(ctx context.Context, roomID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM text_snapshots WHERE room_id = ?", roomID)
	return err
}

// LatestTextSnapshot returns nil when the room has no text yet.
func (d *Database) LatestTextSnapshot(ctx context.Context, roomID string) (*TextSnapshot, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, payload, created_at
		FROM text_snapshots WHERE room_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, roomID)

	var snap TextSnapshot
	var payload []byte
	err := row.Scan(&snap.ID, &snap.RoomID, &snap.UserID, &payload, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}

func (d *Database) CountTextSnapshots(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM text_snapshots WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// Stats

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	for _, q := range []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM rooms", &stats.Rooms},
		{"SELECT COUNT(*) FROM drawing_operations", &stats.Strokes},
		{"SELECT COUNT(*) FROM text_snapshots", &stats.TextSnapshots},
	} {
		if err := d.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "null"
	}
	return string(payload)
}
