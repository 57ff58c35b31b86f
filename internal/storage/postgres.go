// Package storage implements the Postgres and SQLite persistence adapters
// for the appliance credential registry and the number-inventory entities.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sahilghewari/prosbc-core/internal/config"
	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/credentials"
)

var (
	_ credentials.Store   = (*PostgresCredentials)(nil)
	_ core.InventoryStore = (*PostgresInventory)(nil)
	_ core.NumberStore    = (*PostgresNumbers)(nil)
)

// Postgres is the standard-deployment persistence adapter. It owns a
// single pooled connection shared by the three role-specific views
// (Credentials, Inventory, Numbers) handed to the components that need
// them, since each backs a distinct interface with overlapping method
// names ("Get" in particular).
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a pgxpool against cfg and verifies connectivity with a
// ping before returning.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Credentials returns the credentials.Store view of this connection.
func (p *Postgres) Credentials() *PostgresCredentials { return &PostgresCredentials{pool: p.pool} }

// Inventory returns the core.InventoryStore view of this connection.
func (p *Postgres) Inventory() *PostgresInventory { return &PostgresInventory{pool: p.pool} }

// Numbers returns the core.NumberStore view of this connection.
func (p *Postgres) Numbers() *PostgresNumbers { return &PostgresNumbers{pool: p.pool} }

// PostgresCredentials implements credentials.Store.
type PostgresCredentials struct{ pool *pgxpool.Pool }

func (c *PostgresCredentials) Get(ctx context.Context, applianceID string) (core.Appliance, bool, error) {
	row := c.pool.QueryRow(ctx, `SELECT id, base_url, username, password, insecure_skip_verify
		FROM appliances WHERE id = $1 AND active`, applianceID)
	var a core.Appliance
	if err := row.Scan(&a.ID, &a.BaseURL, &a.Username, &a.Password, &a.InsecureSkipVerify); err != nil {
		if err == pgx.ErrNoRows {
			return core.Appliance{}, false, nil
		}
		return core.Appliance{}, false, err
	}
	return a, true, nil
}

// Upsert inserts or replaces one appliance credential row. Used by the
// seeding command; the read path (Get/ListActive) never calls it.
func (c *PostgresCredentials) Upsert(ctx context.Context, a core.Appliance) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO appliances (id, base_url, username, password, insecure_skip_verify, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			insecure_skip_verify = EXCLUDED.insecure_skip_verify,
			active = TRUE`,
		a.ID, a.BaseURL, a.Username, a.Password, a.InsecureSkipVerify)
	return err
}

func (c *PostgresCredentials) ListActive(ctx context.Context) ([]core.Appliance, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, base_url, username, password, insecure_skip_verify
		FROM appliances WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Appliance
	for rows.Next() {
		var a core.Appliance
		if err := rows.Scan(&a.ID, &a.BaseURL, &a.Username, &a.Password, &a.InsecureSkipVerify); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PostgresInventory implements core.InventoryStore.
type PostgresInventory struct{ pool *pgxpool.Pool }

func (i *PostgresInventory) Upsert(ctx context.Context, row core.DmInventoryRow) error {
	numbers, err := json.Marshal(row.ExtractedNumbers)
	if err != nil {
		return err
	}
	_, err = i.pool.Exec(ctx, `
		INSERT INTO dm_inventory_rows (appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (appliance_id, file_name) DO UPDATE SET
			csv_body = EXCLUDED.csv_body,
			extracted_numbers = EXCLUDED.extracted_numbers,
			number_count = EXCLUDED.number_count,
			last_synced_at = EXCLUDED.last_synced_at,
			status = EXCLUDED.status`,
		row.ApplianceID, row.FileName, row.CSVBody, string(numbers), row.NumberCount, row.LastSyncedAt, string(row.Status))
	return err
}

func (i *PostgresInventory) Get(ctx context.Context, applianceID, fileName string) (core.DmInventoryRow, bool, error) {
	row := i.pool.QueryRow(ctx, `SELECT appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status
		FROM dm_inventory_rows WHERE appliance_id = $1 AND file_name = $2`, applianceID, fileName)
	out, err := scanInventoryRow(row.Scan)
	if err == pgx.ErrNoRows {
		return core.DmInventoryRow{}, false, nil
	}
	if err != nil {
		return core.DmInventoryRow{}, false, err
	}
	return out, true, nil
}

func (i *PostgresInventory) ListByAppliance(ctx context.Context, applianceID string) ([]core.DmInventoryRow, error) {
	rows, err := i.pool.Query(ctx, `SELECT appliance_id, file_name, csv_body, extracted_numbers, number_count, last_synced_at, status
		FROM dm_inventory_rows WHERE appliance_id = $1`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DmInventoryRow
	for rows.Next() {
		row, err := scanInventoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanInventoryRow(scan func(...any) error) (core.DmInventoryRow, error) {
	var row core.DmInventoryRow
	var numbersJSON string
	var status string
	if err := scan(&row.ApplianceID, &row.FileName, &row.CSVBody, &numbersJSON, &row.NumberCount, &row.LastSyncedAt, &status); err != nil {
		return core.DmInventoryRow{}, err
	}
	row.Status = core.InventoryStatus(status)
	if numbersJSON != "" {
		_ = json.Unmarshal([]byte(numbersJSON), &row.ExtractedNumbers)
	}
	return row, nil
}

// PostgresNumbers implements core.NumberStore.
type PostgresNumbers struct{ pool *pgxpool.Pool }

func (n *PostgresNumbers) ActiveNumbers(ctx context.Context, applianceID, customerName string) ([]core.CustomerNumber, error) {
	rows, err := n.pool.Query(ctx, `SELECT id, number, customer_name, appliance_id, added_date, removed_date, added_by, removed_by
		FROM customer_numbers WHERE appliance_id = $1 AND customer_name = $2 AND removed_date IS NULL`, applianceID, customerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCustomerNumbers(rows)
}

func (n *PostgresNumbers) ActiveByAppliance(ctx context.Context, applianceID string) ([]core.CustomerNumber, error) {
	rows, err := n.pool.Query(ctx, `SELECT id, number, customer_name, appliance_id, added_date, removed_date, added_by, removed_by
		FROM customer_numbers WHERE appliance_id = $1 AND removed_date IS NULL`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCustomerNumbers(rows)
}

func scanCustomerNumbers(rows pgx.Rows) ([]core.CustomerNumber, error) {
	var out []core.CustomerNumber
	for rows.Next() {
		var cn core.CustomerNumber
		if err := rows.Scan(&cn.ID, &cn.Number, &cn.CustomerName, &cn.ApplianceID, &cn.AddedDate, &cn.RemovedDate, &cn.AddedBy, &cn.RemovedBy); err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, rows.Err()
}

// InsertNumbers implements core.NumberStore. Callers are responsible for
// keeping each batch within a sane size; the orchestrator chunks large
// inserts before calling this.
func (n *PostgresNumbers) InsertNumbers(ctx context.Context, rows []core.CustomerNumber) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, cn := range rows {
		batch.Queue(`INSERT INTO customer_numbers (number, customer_name, appliance_id, added_date, added_by)
			VALUES ($1, $2, $3, $4, $5)`, cn.Number, cn.CustomerName, cn.ApplianceID, cn.AddedDate, cn.AddedBy)
	}
	br := n.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (n *PostgresNumbers) RenameCustomer(ctx context.Context, applianceID, number, oldName, newName string) error {
	_, err := n.pool.Exec(ctx, `UPDATE customer_numbers SET customer_name = $1
		WHERE appliance_id = $2 AND number = $3 AND customer_name = $4 AND removed_date IS NULL`,
		newName, applianceID, number, oldName)
	return err
}

func (n *PostgresNumbers) SchedulePendingRemovals(ctx context.Context, rows []core.PendingRemoval) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO pending_removals (number, customer_name, appliance_id, removal_date, removed_by)
			VALUES ($1, $2, $3, $4, $5)`, r.Number, r.CustomerName, r.ApplianceID, r.RemovalDate, r.RemovedBy)
	}
	br := n.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (n *PostgresNumbers) PendingRemovalsByAppliance(ctx context.Context, applianceID string) ([]core.PendingRemoval, error) {
	rows, err := n.pool.Query(ctx, `SELECT id, number, customer_name, appliance_id, removal_date, removed_by
		FROM pending_removals WHERE appliance_id = $1`, applianceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingRemovals(rows)
}

func (n *PostgresNumbers) DuePendingRemovals(ctx context.Context, now time.Time) ([]core.PendingRemoval, error) {
	rows, err := n.pool.Query(ctx, `SELECT id, number, customer_name, appliance_id, removal_date, removed_by
		FROM pending_removals WHERE removal_date <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingRemovals(rows)
}

func scanPendingRemovals(rows pgx.Rows) ([]core.PendingRemoval, error) {
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

// ApplyRemoval implements core.NumberStore: finalizes one scheduled
// removal, transactionally marking the number removed and clearing the
// pending row so it cannot be applied twice.
func (n *PostgresNumbers) ApplyRemoval(ctx context.Context, removal core.PendingRemoval) error {
	tx, err := n.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE customer_numbers SET removed_date = $1, removed_by = $2
		WHERE appliance_id = $3 AND number = $4 AND removed_date IS NULL`,
		now, removal.RemovedBy, removal.ApplianceID, removal.Number); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pending_removals WHERE appliance_id = $1 AND number = $2`,
		removal.ApplianceID, removal.Number); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (n *PostgresNumbers) AppendEvents(ctx context.Context, events []core.NumberEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		batch.Queue(`INSERT INTO number_events (id, number, action, customer_name, appliance_id, user_id, file_name, details, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.Number, string(e.Action), e.CustomerName, e.ApplianceID, e.UserID, e.FileName, e.Details, e.Timestamp)
	}
	br := n.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (n *PostgresNumbers) AppendChanges(ctx context.Context, changes []core.CustomerNumberChange) error {
	if len(changes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range changes {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		batch.Queue(`INSERT INTO customer_number_changes (id, customer_name, change_type, count, appliance_id, user_id, details, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.CustomerName, string(c.ChangeType), c.Count, c.ApplianceID, c.UserID, c.Details, c.Timestamp)
	}
	br := n.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range changes {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// MonthlyUsage implements core.NumberStore: the unique-number count per
// customer active at any point during the given month. applianceID may be
// empty to aggregate across every appliance.
func (n *PostgresNumbers) MonthlyUsage(ctx context.Context, year, month int, applianceID string) (map[string]int, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	query := `SELECT customer_name, COUNT(DISTINCT number) FROM customer_numbers
		WHERE added_date < $1 AND (removed_date IS NULL OR removed_date >= $2)`
	args := []any{end, start}
	if applianceID != "" {
		query += " AND appliance_id = $3"
		args = append(args, applianceID)
	}
	query += " GROUP BY customer_name"

	rows, err := n.pool.Query(ctx, query, args...)
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
