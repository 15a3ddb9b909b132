package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// History page size.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// historyTimeFormat has fixed width so created_at compares correctly as text.
const historyTimeFormat = "2006-01-02T15:04:05.000000000Z"

var errDeviceIDRequired = errors.New("device: device id is required")

// SQLiteStateHistoryRepository keeps state changes in device_state_history.
type SQLiteStateHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteStateHistoryRepository creates a history repository on db.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db}
}

// RecordStateChange stores the changed states. An empty source is recorded
// as StateHistorySourcePlugin.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, deviceID string, states States, source string) error {
	if deviceID == "" {
		return errDeviceIDRequired
	}
	if source == "" {
		source = StateHistorySourcePlugin
	}

	encoded, err := marshalMap(states)
	if err != nil {
		return fmt.Errorf("marshalling states: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO device_state_history (device_id, states, source, created_at) VALUES (?, ?, ?, ?)`,
		deviceID, encoded, source, time.Now().UTC().Format(historyTimeFormat),
	); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns the device's latest entries, newest first. limit
// defaults to 50 and is capped at 500.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error) {
	if deviceID == "" {
		return nil, errDeviceIDRequired
	}
	limit = min(max(limit, 0), maxHistoryLimit)
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, states, source, created_at
		 FROM device_state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := []StateHistoryEntry{}
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

func scanHistoryEntry(rows *sql.Rows) (StateHistoryEntry, error) {
	var (
		entry     StateHistoryEntry
		encoded   string
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.DeviceID, &encoded, &entry.Source, &createdAt); err != nil {
		return entry, fmt.Errorf("scanning state history: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &entry.States); err != nil {
		return entry, fmt.Errorf("unmarshalling states of entry %d: %w", entry.ID, err)
	}
	ts, err := time.Parse(historyTimeFormat, createdAt)
	if err != nil {
		// Rows written before nanosecond timestamps.
		if ts, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return entry, fmt.Errorf("parsing created_at of entry %d: %w", entry.ID, err)
		}
	}
	entry.CreatedAt = ts
	return entry, nil
}

// PruneHistory deletes entries older than olderThan and returns the count.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune age must be positive, got %v", olderThan)
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeFormat)
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_state_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	return res.RowsAffected()
}
