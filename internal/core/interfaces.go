package core

import (
	"context"
	"time"
)

// CredentialRegistry is a persistent, read-through
// store of appliance identities.
type CredentialRegistry interface {
	Lookup(ctx context.Context, applianceID string) (Appliance, error)
	ListActive(ctx context.Context) ([]Appliance, error)
}

// InventoryStore persists DmInventoryRow, keyed by (applianceID, fileName).
type InventoryStore interface {
	Upsert(ctx context.Context, row DmInventoryRow) error
	Get(ctx context.Context, applianceID, fileName string) (DmInventoryRow, bool, error)
	ListByAppliance(ctx context.Context, applianceID string) ([]DmInventoryRow, error)
}

// NumberStore persists CustomerNumber, PendingRemoval, NumberEvent and
// CustomerNumberChange rows, and answers the billing-facing usage queries.
type NumberStore interface {
	ActiveNumbers(ctx context.Context, applianceID, customerName string) ([]CustomerNumber, error)
	ActiveByAppliance(ctx context.Context, applianceID string) ([]CustomerNumber, error)
	InsertNumbers(ctx context.Context, rows []CustomerNumber) error
	RenameCustomer(ctx context.Context, applianceID, number, oldName, newName string) error
	SchedulePendingRemovals(ctx context.Context, rows []PendingRemoval) error
	PendingRemovalsByAppliance(ctx context.Context, applianceID string) ([]PendingRemoval, error)
	DuePendingRemovals(ctx context.Context, now time.Time) ([]PendingRemoval, error)
	ApplyRemoval(ctx context.Context, removal PendingRemoval) error
	AppendEvents(ctx context.Context, events []NumberEvent) error
	AppendChanges(ctx context.Context, changes []CustomerNumberChange) error
	MonthlyUsage(ctx context.Context, year int, month int, applianceID string) (map[string]int, error)
}
