package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sahilghewari/prosbc-core/internal/core"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLite(context.Background(), filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ddl, err := SQLiteMigrations.ReadFile("migrations/sqlite/00001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := s.db.ExecContext(context.Background(), splitGooseUp(string(ddl))); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return s
}

// splitGooseUp strips the goose annotations and the Down section so the
// raw Up statements can be executed directly against a test database
// without pulling in the goose runner.
func splitGooseUp(sql string) string {
	const upMarker = "-- +goose Up"
	const downMarker = "-- +goose Down"
	start := indexOrZero(sql, upMarker) + len(upMarker)
	end := indexOrLen(sql, downMarker)
	return sql[start:end]
}

func indexOrZero(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return 0
}

func indexOrLen(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return len(s)
}

func TestSQLiteCredentialsRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	creds := s.Credentials()
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO appliances (id, base_url, username, password, insecure_skip_verify, active)
		VALUES (?, ?, ?, ?, ?, ?)`, "sbc-1", "https://sbc1.example.com", "admin", "secret", 0, 1); err != nil {
		t.Fatalf("seed appliance: %v", err)
	}

	a, ok, err := creds.Get(ctx, "sbc-1")
	if err != nil || !ok {
		t.Fatalf("Get(sbc-1) = %+v, %v, %v", a, ok, err)
	}
	if a.BaseURL != "https://sbc1.example.com" || a.InsecureSkipVerify {
		t.Fatalf("unexpected appliance row: %+v", a)
	}

	list, err := creds.ListActive(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListActive = %+v, %v", list, err)
	}

	if _, ok, err := creds.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestSQLiteInventoryUpsert(t *testing.T) {
	s := newTestSQLite(t)
	inv := s.Inventory()
	ctx := context.Background()

	row := core.DmInventoryRow{
		ApplianceID:      "sbc-1",
		FileName:         "acme.csv",
		CSVBody:          []byte("called\n14155550100\n"),
		ExtractedNumbers: []string{"14155550100"},
		NumberCount:      1,
		LastSyncedAt:     time.Now().UTC().Truncate(time.Second),
		Status:           core.InventoryActive,
	}
	if err := inv.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := inv.Get(ctx, "sbc-1", "acme.csv")
	if err != nil || !ok {
		t.Fatalf("Get = %+v, %v, %v", got, ok, err)
	}
	if got.NumberCount != 1 || len(got.ExtractedNumbers) != 1 || got.ExtractedNumbers[0] != "14155550100" {
		t.Fatalf("unexpected inventory row: %+v", got)
	}

	row.Status = core.InventoryInactive
	row.NumberCount = 0
	row.ExtractedNumbers = nil
	if err := inv.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	got, _, _ = inv.Get(ctx, "sbc-1", "acme.csv")
	if got.Status != core.InventoryInactive || got.NumberCount != 0 {
		t.Fatalf("upsert did not overwrite row: %+v", got)
	}

	all, err := inv.ListByAppliance(ctx, "sbc-1")
	if err != nil || len(all) != 1 {
		t.Fatalf("ListByAppliance = %+v, %v", all, err)
	}
}

func TestSQLiteNumbersLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	nums := s.Numbers()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := nums.InsertNumbers(ctx, []core.CustomerNumber{
		{Number: "14155550100", CustomerName: "acme", ApplianceID: "sbc-1", AddedDate: now, AddedBy: "sync"},
		{Number: "14155550101", CustomerName: "acme", ApplianceID: "sbc-1", AddedDate: now, AddedBy: "sync"},
	})
	if err != nil {
		t.Fatalf("InsertNumbers: %v", err)
	}

	active, err := nums.ActiveByAppliance(ctx, "sbc-1")
	if err != nil || len(active) != 2 {
		t.Fatalf("ActiveByAppliance = %+v, %v", active, err)
	}

	if err := nums.RenameCustomer(ctx, "sbc-1", "14155550100", "acme", "acme-corp"); err != nil {
		t.Fatalf("RenameCustomer: %v", err)
	}
	renamed, err := nums.ActiveNumbers(ctx, "sbc-1", "acme-corp")
	if err != nil || len(renamed) != 1 {
		t.Fatalf("ActiveNumbers after rename = %+v, %v", renamed, err)
	}

	removal := core.PendingRemoval{
		Number: "14155550101", CustomerName: "acme", ApplianceID: "sbc-1",
		RemovalDate: now.Add(24 * time.Hour), RemovedBy: "sync",
	}
	if err := nums.SchedulePendingRemovals(ctx, []core.PendingRemoval{removal}); err != nil {
		t.Fatalf("SchedulePendingRemovals: %v", err)
	}

	pending, err := nums.PendingRemovalsByAppliance(ctx, "sbc-1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingRemovalsByAppliance = %+v, %v", pending, err)
	}

	due, err := nums.DuePendingRemovals(ctx, now.Add(48*time.Hour))
	if err != nil || len(due) != 1 {
		t.Fatalf("DuePendingRemovals = %+v, %v", due, err)
	}

	if err := nums.ApplyRemoval(ctx, due[0]); err != nil {
		t.Fatalf("ApplyRemoval: %v", err)
	}
	pending, err = nums.PendingRemovalsByAppliance(ctx, "sbc-1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("PendingRemovalsByAppliance after apply = %+v, %v", pending, err)
	}
	active, err = nums.ActiveByAppliance(ctx, "sbc-1")
	if err != nil || len(active) != 1 {
		t.Fatalf("ActiveByAppliance after removal = %+v, %v", active, err)
	}

	if err := nums.AppendEvents(ctx, []core.NumberEvent{
		{Number: "14155550101", Action: core.EventRemove, CustomerName: "acme", ApplianceID: "sbc-1", Timestamp: now},
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if err := nums.AppendChanges(ctx, []core.CustomerNumberChange{
		{CustomerName: "acme", ChangeType: core.ChangeRemove, Count: 1, ApplianceID: "sbc-1", Timestamp: now},
	}); err != nil {
		t.Fatalf("AppendChanges: %v", err)
	}

	usage, err := nums.MonthlyUsage(ctx, now.Year(), int(now.Month()), "sbc-1")
	if err != nil {
		t.Fatalf("MonthlyUsage: %v", err)
	}
	if usage["acme-corp"] != 1 {
		t.Fatalf("MonthlyUsage[acme-corp] = %d, want 1: %+v", usage["acme-corp"], usage)
	}
}

func TestSQLiteInsertNumbersEmptyIsNoop(t *testing.T) {
	s := newTestSQLite(t)
	nums := s.Numbers()
	if err := nums.InsertNumbers(context.Background(), nil); err != nil {
		t.Fatalf("InsertNumbers(nil): %v", err)
	}
}
