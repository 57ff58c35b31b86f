package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/credentials"
)

func newEventID() string { return uuid.New().String() }

var (
	_ credentials.Store   = (*SQLiteCredentials)(nil)
	_ core.InventoryStore = (*SQLiteInventory)(nil)
	_ core.NumberStore    = (*SQLiteNumbers)(nil)
)

// SQLite is the single-node persistence adapter: a pure-Go, no-CGO
// sqlite3 database suitable for development and small deployments that
// do not want a standalone Postgres instance. Like Postgres, it exposes
// its three interface views through role-specific wrapper types rather
// than one type implementing all three "Get" methods.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewSQLite opens (creating if necessary) a WAL-mode sqlite3 database at
// path and verifies connectivity with a ping before returning.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to set sqlite file permissions", "path", path, "error", err)
	}

	logger.Info("sqlite storage initialized", "path", path, "wal_mode", true)
	return &SQLite{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Credentials returns the credentials.Store view of this connection.
func (s *SQLite) Credentials() *SQLiteCredentials { return &SQLiteCredentials{s: s} }

// Inventory returns the core.InventoryStore view of this connection.
func (s *SQLite) Inventory() *SQLiteInventory { return &SQLiteInventory{s: s} }

// Numbers returns the core.NumberStore view of this connection.
func (s *SQLite) Numbers() *SQLiteNumbers { return &SQLiteNumbers{s: s} }

// SQLiteCredentials implements credentials.Store.
type SQLiteCredentials struct{ s *SQLite }

func (c *SQLiteCredentials) Get(ctx context.Context, applianceID string) (core.Appliance, bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	row := c.s.db.QueryRowContext(ctx, `SELECT id, base_url, username, password, insecure_skip_verify
		FROM appliances WHERE id = ? AND active = 1`, applianceID)
	var a core.Appliance
	var skipVerify int
	if err := row.Scan(&a.ID, &a.BaseURL, &a.Username, &a.Password, &skipVerify); err != nil {
		if err == sql.ErrNoRows {
			return core.Appliance{}, false, nil
		}
		return core.Appliance{}, false, err
	}
	a.InsecureSkipVerify = skipVerify != 0
	return a, true, nil
}

// Upsert inserts or replaces one appliance credential row. Used by the
// seeding command; the read path (Get/ListActive) never calls it.
func (c *SQLiteCredentials) Upsert(ctx context.Context, a core.Appliance) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	skipVerify := 0
	if a.InsecureSkipVerify {
		skipVerify = 1
	}
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO appliances (id, base_url, username, password, insecure_skip_verify, active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			base_url = excluded.base_url,
			username = excluded.username,
			password = excluded.password,
			insecure_skip_verify = excluded.insecure_skip_verify,
			active = 1`,
		a.ID, a.BaseURL, a.Username, a.Password, skipVerify)
	return err
}

func (c *SQLiteCredentials) ListActive(ctx context.Context) ([]core.Appliance, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	rows, err := c.s.db.QueryContext(ctx, `SELECT id, base_url, username, password, insecure_skip_verify
		FROM appliances WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Appliance
	for rows.Next() {
		var a core.Appliance
		var skipVerify int
		if err := rows.Scan(&a.ID, &a.BaseURL, &a.Username, &a.Password, &skipVerify); err != nil {
			return nil, err
		}
		a.InsecureSkipVerify = skipVerify != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// SQLiteInventory implements core.InventoryStore.
type SQLiteInventory struct{ s *SQLite }

func (i *SQLiteInventory) Upsert(ctx context.Context, row core.DmInventoryRow) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	numbers, err := json.Marshal(row.ExtractedNumbers)
	if err != nil {
		return err
	}
	_, err = i.s.db.ExecContext(ctx, `
		INSERT INTO dm_inventory_rows (appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (appliance_id, file_name) DO UPDATE SET
			csv_body = excluded.csv_body,
			extracted_numbers = excluded.extracted_numbers,
			number_count = excluded.number_count,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status`,
		row.ApplianceID, row.FileName, row.CSVBody, string(numbers), row.NumberCount, row.LastSyncedAt, string(row.Status))
	return err
}

func (i *SQLiteInventory) Get(ctx context.Context, applianceID, fileName string) (core.DmInventoryRow, bool, error) {
	i.s.mu.RLock()
	defer i.s.mu.RUnlock()

	row := i.s.db.QueryRowContext(ctx, `SELECT appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status
		FROM dm_inventory_rows WHERE appliance_id = ? AND file_name = ?`, applianceID, fileName)
	out, err := scanSQLiteInventoryRow(row.Scan)
	if err == sql.ErrNoRows {
		return core.DmInventoryRow{}, false, nil
	}
	if err != nil {
		return core.DmInventoryRow{}, false, err
	}
	return out, true, nil
}

func (i *SQLiteInventory) ListByAppliance(ctx context.Context, applianceID string) ([]core.DmInventoryRow, error) {
	i.s.mu.RLock()
	defer i.s.mu.RUnlock()

	rows, err := i.s.db.QueryContext(ctx, `SELECT appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status
		FROM dm_inventory_rows WHERE appliance_id = ?`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DmInventoryRow
	for rows.Next() {
		row, err := scanSQLiteInventoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanSQLiteInventoryRow(scan func(...any) error) (core.DmInventoryRow, error) {
	var row core.DmInventoryRow
	var numbersJSON, status string
	if err := scan(&row.ApplianceID, &row.FileName, &row.CSVBody, &numbersJSON, &row.NumberCount, &row.LastSyncedAt, &status); err != nil {
		return core.DmInventoryRow{}, err
	}
	row.Status = core.InventoryStatus(status)
	if numbersJSON != "" {
		_ = json.Unmarshal([]byte(numbersJSON), &row.ExtractedNumbers)
	}
	return row, nil
}

// SQLiteNumbers implements core.NumberStore.
type SQLiteNumbers struct{ s *SQLite }

func (n *SQLiteNumbers) ActiveNumbers(ctx context.Context, applianceID, customerName string) ([]core.CustomerNumber, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	rows, err := n.s.db.QueryContext(ctx, `SELECT id, number, customer_name, appliance_id, added_date, removed_date, added_by, removed_by
		FROM customer_numbers WHERE appliance_id = ? AND customer_name = ? AND removed_date IS NULL`, applianceID, customerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteCustomerNumbers(rows)
}

func (n *SQLiteNumbers) ActiveByAppliance(ctx context.Context, applianceID string) ([]core.CustomerNumber, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	rows, err := n.s.db.QueryContext(ctx, `SELECT id, number, customer_name, appliance_id, added_date, removed_date, added_by, removed_by
		FROM customer_numbers WHERE appliance_id = ? AND removed_date IS NULL`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteCustomerNumbers(rows)
}

func scanSQLiteCustomerNumbers(rows *sql.Rows) ([]core.CustomerNumber, error) {
	var out []core.CustomerNumber
	for rows.Next() {
		var cn core.CustomerNumber
		var removedDate sql.NullTime
		var removedBy sql.NullString
		if err := rows.Scan(&cn.ID, &cn.Number, &cn.CustomerName, &cn.ApplianceID, &cn.AddedDate, &removedDate, &cn.AddedBy, &removedBy); err != nil {
			return nil, err
		}
		if removedDate.Valid {
			cn.RemovedDate = &removedDate.Time
		}
		cn.RemovedBy = removedBy.String
		out = append(out, cn)
	}
	return out, rows.Err()
}

func (n *SQLiteNumbers) InsertNumbers(ctx context.Context, rows []core.CustomerNumber) error {
	if len(rows) == 0 {
		return nil
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	tx, err := n.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO customer_numbers (number, customer_name, appliance_id, added_date, added_by)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cn := range rows {
		if _, err := stmt.ExecContext(ctx, cn.Number, cn.CustomerName, cn.ApplianceID, cn.AddedDate, cn.AddedBy); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (n *SQLiteNumbers) RenameCustomer(ctx context.Context, applianceID, number, oldName, newName string) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	_, err := n.s.db.ExecContext(ctx, `UPDATE customer_numbers SET customer_name = ?
		WHERE appliance_id = ? AND number = ? AND customer_name = ? AND removed_date IS NULL`,
		newName, applianceID, number, oldName)
	return err
}

func (n *SQLiteNumbers) SchedulePendingRemovals(ctx context.Context, rows []core.PendingRemoval) error {
	if len(rows) == 0 {
		return nil
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	tx, err := n.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pending_removals (number, customer_name, appliance_id, removal_date, removed_by)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Number, r.CustomerName, r.ApplianceID, r.RemovalDate, r.RemovedBy); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (n *SQLiteNumbers) PendingRemovalsByAppliance(ctx context.Context, applianceID string) ([]core.PendingRemoval, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	rows, err := n.s.db.QueryContext(ctx, `SELECT id, number, customer_name, appliance_id, removal_date, removed_by
		FROM pending_removals WHERE appliance_id = ?`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLitePendingRemovals(rows)
}

func (n *SQLiteNumbers) DuePendingRemovals(ctx context.Context, now time.Time) ([]core.PendingRemoval, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	rows, err := n.s.db.QueryContext(ctx, `SELECT id, number, customer_name, appliance_id, removal_date, removed_by
		FROM pending_removals WHERE removal_date <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLitePendingRemovals(rows)
}

func scanSQLitePendingRemovals(rows *sql.Rows) ([]core.PendingRemoval, error) {
	var out []core.PendingRemoval
	for rows.Next() {
		var r core.PendingRemoval
		if err := rows.Scan(&r.ID, &r.Number, &r.CustomerName, &r.ApplianceID, &r.RemovalDate, &r.RemovedBy); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (n *SQLiteNumbers) ApplyRemoval(ctx context.Context, removal core.PendingRemoval) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	tx, err := n.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE customer_numbers SET removed_date = ?, removed_by = ?
		WHERE appliance_id = ? AND number = ? AND removed_date IS NULL`,
		now, removal.RemovedBy, removal.ApplianceID, removal.Number); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_removals WHERE appliance_id = ? AND number = ?`,
		removal.ApplianceID, removal.Number); err != nil {
		return err
	}
	return tx.Commit()
}

func (n *SQLiteNumbers) AppendEvents(ctx context.Context, events []core.NumberEvent) error {
	if len(events) == 0 {
		return nil
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	tx, err := n.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO number_events (id, number, action, customer_name, appliance_id, user_id, file_name, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if e.ID == "" {
			e.ID = newEventID()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Number, string(e.Action), e.CustomerName, e.ApplianceID, e.UserID, e.FileName, e.Details, e.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (n *SQLiteNumbers) AppendChanges(ctx context.Context, changes []core.CustomerNumberChange) error {
	if len(changes) == 0 {
		return nil
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	tx, err := n.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO customer_number_changes (id, customer_name, change_type, count, appliance_id, user_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range changes {
		if c.ID == "" {
			c.ID = newEventID()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.CustomerName, string(c.ChangeType), c.Count, c.ApplianceID, c.UserID, c.Details, c.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (n *SQLiteNumbers) MonthlyUsage(ctx context.Context, year, month int, applianceID string) (map[string]int, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	query := `SELECT customer_name, COUNT(DISTINCT number) FROM customer_numbers
		WHERE added_date < ? AND (removed_date IS NULL OR removed_date >= ?)`
	args := []any{end, start}
	if applianceID != "" {
		query += " AND appliance_id = ?"
		args = append(args, applianceID)
	}
	query += " GROUP BY customer_name"

	rows, err := n.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var customer string
		var count int
		if err := rows.Scan(&customer, &count); err != nil {
			return nil, err
		}
		out[customer] = count
	}
	return out, rows.Err()
}
