package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "ridehail/pkg/database"
	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Manager implements interfaces.TripStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	logger       *zap.Logger
}

var _ interfaces.TripStore = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

const tripColumns = `id, created, updated, pickup_address, drop_off_address, status, rider_id, driver_id`

// NewManager opens the database and starts the writer goroutine. The schema
// is not migrated here; see dbconfig.MigrationManager.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       logger.Named("store"),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write
	// contention and keeps blocking I/O off connection goroutines.
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}

			err := op.operation(op.ctx, m.db)
			// FUNCTIONAL DISCOVERY: Retry exactly once, and only for lock
			// contention; domain errors are final.
			if isTransient(err) {
				m.logger.Warn("database write failed, retrying", zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	// Buffered so the writer never blocks on an abandoned caller.
	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// FUNCTIONAL DISCOVERY: Once the writer owns the operation its outcome is
	// reported even if ctx is cancelled meanwhile. Returning ctx.Err() here
	// would hide a committed write from the caller.
	return <-result
}

// CreateTrip implements interfaces.TripStore.
func (m *Manager) CreateTrip(ctx context.Context, riderID string, payload *types.TripPayload) (*types.Trip, error) {
	if !types.IsValidUserID(riderID) {
		return nil, types.ErrInvalidUserID
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	// Server-side id and timestamps; nothing is taken from the client.
	now := time.Now().UTC()
	trip := &types.Trip{
		ID:             uuid.NewString(),
		Created:        now,
		Updated:        now,
		PickupAddress:  payload.PickupAddress,
		DropOffAddress: payload.DropOffAddress,
		Status:         payload.Status,
		RiderID:        riderID,
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO trips (`+tripColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		`,
			trip.ID,
			trip.Created,
			trip.Updated,
			trip.PickupAddress,
			trip.DropOffAddress,
			string(trip.Status),
			trip.RiderID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trip: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return trip, nil
}

// UpdateTrip implements interfaces.TripStore. The read-check-write runs in one
// transaction on the writer goroutine, so two drivers racing to accept the
// same trip cannot both win.
func (m *Manager) UpdateTrip(ctx context.Context, update *types.TripUpdate) (*types.Trip, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var updated *types.Trip
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		trip, err := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, update.ID))
		if err != nil {
			return err
		}

		if trip.Status.Terminal() {
			return types.ErrTripClosed
		}
		if update.DriverID != "" {
			if trip.DriverID != nil && *trip.DriverID != update.DriverID {
				return types.ErrTripAlreadyAssigned
			}
			driverID := update.DriverID
			trip.DriverID = &driverID
		}
		if update.Status != "" {
			trip.Status = update.Status
		}
		if update.PickupAddress != "" {
			trip.PickupAddress = update.PickupAddress
		}
		if update.DropOffAddress != "" {
			trip.DropOffAddress = update.DropOffAddress
		}
		trip.Updated = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE trips
			SET updated = ?, pickup_address = ?, drop_off_address = ?, status = ?, driver_id = ?
			WHERE id = ?
		`,
			trip.Updated,
			trip.PickupAddress,
			trip.DropOffAddress,
			string(trip.Status),
			trip.DriverID,
			trip.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update trip: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit trip update: %w", err)
		}

		updated = trip
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetTrip implements interfaces.TripStore.
// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) GetTrip(ctx context.Context, tripID string) (*types.Trip, error) {
	return scanTrip(m.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, tripID))
}

// ActiveTripIDsFor implements interfaces.TripStore.
func (m *Manager) ActiveTripIDsFor(ctx context.Context, userID string, role types.Role) ([]string, error) {
	column, ok := participantColumn(role)
	if !ok {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM trips
		WHERE `+column+` = ? AND status NOT IN (?, ?)
		ORDER BY created ASC
	`, userID, string(types.TripStatusCompleted), string(types.TripStatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("failed to query active trips: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trip id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip rows: %w", err)
	}

	return ids, nil
}

// ListTripsFor implements interfaces.TripStore.
func (m *Manager) ListTripsFor(ctx context.Context, userID string, role types.Role) ([]*types.Trip, error) {
	column, ok := participantColumn(role)
	if !ok {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE `+column+` = ?
		ORDER BY created DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trips []*types.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip rows: %w", err)
	}

	return trips, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrip(row rowScanner) (*types.Trip, error) {
	var trip types.Trip
	var status string
	var driverID sql.NullString

	err := row.Scan(
		&trip.ID,
		&trip.Created,
		&trip.Updated,
		&trip.PickupAddress,
		&trip.DropOffAddress,
		&status,
		&trip.RiderID,
		&driverID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrTripNotFound
		}
		return nil, fmt.Errorf("failed to scan trip: %w", err)
	}

	trip.Status = types.TripStatus(status)
	// FUNCTIONAL DISCOVERY: Handle nullable driver_id; nil means unassigned
	if driverID.Valid {
		trip.DriverID = &driverID.String
	}
	trip.Created = trip.Created.UTC()
	trip.Updated = trip.Updated.UTC()

	return &trip, nil
}

func participantColumn(role types.Role) (string, bool) {
	switch role {
	case types.RoleDriver:
		return "driver_id", true
	case types.RoleRider:
		return "rider_id", true
	default:
		return "", false
	}
}

// isTransient reports SQLite lock contention, the only write failure worth
// retrying.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
