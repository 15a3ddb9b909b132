package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence operations for devices.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetByID retrieves a device by its ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device. Returns ErrDeviceExists on a duplicate ID.
	Create(ctx context.Context, device *Device) error

	// Update replaces a device's name, enabled flag and props.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	Delete(ctx context.Context, id string) error

	// UpdateStates merges states into the device's stored states.
	UpdateStates(ctx context.Context, id string, states States) error

	// UpdateProps replaces the device's props.
	UpdateProps(ctx context.Context, id string, props Props) error

	// SetErrorState stores the device's error state. Empty clears it.
	SetErrorState(ctx context.Context, id string, msg string) error
}

// SQLiteRepository implements Repository using SQLite.
// Props and states are stored as JSON text columns.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite device repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT id, name, type, enabled, props, states, error_state,
	       state_updated_at, created_at, updated_at
	FROM devices`

// GetByID retrieves a device by its ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	device, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return device, nil
}

// List retrieves all devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device. CreatedAt and UpdatedAt are set on device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	propsJSON, err := marshalMap(device.Props)
	if err != nil {
		return fmt.Errorf("marshalling props: %w", err)
	}
	statesJSON, err := marshalMap(device.States)
	if err != nil {
		return fmt.Errorf("marshalling states: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	device.CreatedAt = now
	device.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, type, enabled, props, states, error_state,
		                     state_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.Name,
		device.Type,
		boolToInt(device.Enabled),
		propsJSON,
		statesJSON,
		device.ErrorState,
		nullableTime(device.StateUpdatedAt),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update replaces a device's name, enabled flag and props. States and the
// error state are owned by the plugin and are not touched.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	propsJSON, err := marshalMap(device.Props)
	if err != nil {
		return fmt.Errorf("marshalling props: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET name = ?, enabled = ?, props = ?, updated_at = ?
		WHERE id = ?`,
		device.Name,
		boolToInt(device.Enabled),
		propsJSON,
		now.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	device.UpdatedAt = now
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result)
}

// UpdateStates merges the given states into the device's existing states.
// Keys not present in states keep their stored values.
func (r *SQLiteRepository) UpdateStates(ctx context.Context, id string, states States) error {
	statesJSON, err := marshalMap(states)
	if err != nil {
		return fmt.Errorf("marshalling states: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	// json_patch(target, patch) applies patch keys to target and keeps the rest.
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET states = json_patch(COALESCE(states, '{}'), ?),
		    state_updated_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		statesJSON, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating device states: %w", err)
	}
	return requireRow(result)
}

// UpdateProps replaces the device's props.
func (r *SQLiteRepository) UpdateProps(ctx context.Context, id string, props Props) error {
	propsJSON, err := marshalMap(props)
	if err != nil {
		return fmt.Errorf("marshalling props: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET props = ?, updated_at = ? WHERE id = ?`,
		propsJSON, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating device props: %w", err)
	}
	return requireRow(result)
}

// SetErrorState stores the device's error state.
func (r *SQLiteRepository) SetErrorState(ctx context.Context, id string, msg string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET error_state = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating device error state: %w", err)
	}
	return requireRow(result)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var (
		d              Device
		enabled        int
		propsJSON      string
		statesJSON     string
		stateUpdatedAt sql.NullString
		createdAt      string
		updatedAt      string
	)

	if err := scanner.Scan(
		&d.ID, &d.Name, &d.Type, &enabled, &propsJSON, &statesJSON, &d.ErrorState,
		&stateUpdatedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	d.Enabled = enabled != 0

	if err := json.Unmarshal([]byte(propsJSON), &d.Props); err != nil {
		return nil, fmt.Errorf("unmarshalling props: %w", err)
	}
	if d.Props == nil {
		d.Props = Props{}
	}
	if err := json.Unmarshal([]byte(statesJSON), &d.States); err != nil {
		return nil, fmt.Errorf("unmarshalling states: %w", err)
	}
	if d.States == nil {
		d.States = States{}
	}

	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if stateUpdatedAt.Valid {
		t, err := time.Parse(time.RFC3339, stateUpdatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing state_updated_at: %w", err)
		}
		d.StateUpdatedAt = &t
	}

	return &d, nil
}

func marshalMap[M ~map[string]V, V any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
