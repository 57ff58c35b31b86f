// Package core holds the domain model shared by every component of the
// ProSBC integration core: appliances, sessions, configurations, the two
// routing file kinds, and the persisted number-inventory entities.
package core

import "time"

// FileKind distinguishes the two routing-related file tables a ProSBC
// configuration exposes.
type FileKind string

const (
	// KindDF is the Routesets Definition file table.
	KindDF FileKind = "DF"
	// KindDM is the Routesets Digitmap file table.
	KindDM FileKind = "DM"
)

// UploadMode controls how File Operations Engine.Upload resolves an
// existing file of the same name.
type UploadMode string

const (
	ModeAuto    UploadMode = "auto"
	ModeCreate  UploadMode = "create"
	ModeUpdate  UploadMode = "update"
	ModeReplace UploadMode = "replace"
)

// SessionState is the lifecycle state of a cached appliance session.
type SessionState string

const (
	SessionAcquiring SessionState = "acquiring"
	SessionValid     SessionState = "valid"
	SessionInvalid   SessionState = "invalid"
)

// Appliance is a persistent identity for one remote SBC instance.
type Appliance struct {
	ID       string
	BaseURL  string
	Username string
	Password string
	// InsecureSkipVerify disables TLS certificate verification for
	// appliances presenting a self-signed certificate, per appliance.
	InsecureSkipVerify bool
}

// Session is the in-memory cookie lifecycle state for one appliance.
type Session struct {
	ApplianceID     string
	CookieValue     string
	CreatedAt       time.Time
	LastValidatedAt time.Time
	State           SessionState
}

// Expired reports whether the session has crossed its TTL since the last
// successful validation.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastValidatedAt) > ttl
}

// Configuration is a named bundle of settings discovered on an appliance.
// Id is the configuration id; DBID is the (usually equal) file-database id
// that file-listing URLs actually use.
type Configuration struct {
	ApplianceID string
	ID          string
	Name        string
	DBID        string
	Active      bool
	ResolvedAt  time.Time
}

// FileDescriptor is an ephemeral, scraped reference to one DF/DM file.
type FileDescriptor struct {
	ApplianceID string
	ID          string
	Name        string
	Kind        FileKind
	ConfigDBID  string
	UpdateHref  string
	ExportHref  string
	DeleteHref  string
}

// InventoryStatus is the lifecycle state of a DmInventoryRow.
type InventoryStatus string

const (
	InventoryActive   InventoryStatus = "active"
	InventorySyncing  InventoryStatus = "syncing"
	InventoryInactive InventoryStatus = "inactive"
)

// DmInventoryRow is the persisted, last-synced body and extracted number
// set of one DM file on one appliance.
type DmInventoryRow struct {
	ApplianceID     string
	FileName        string
	CSVBody         []byte
	ExtractedNumbers []string
	NumberCount     int
	LastSyncedAt    time.Time
	Status          InventoryStatus
}

// CustomerNumber is one billable phone number tied to a DM file (customer).
type CustomerNumber struct {
	ID            int64
	Number        string
	CustomerName  string
	ApplianceID   string
	AddedDate     time.Time
	RemovedDate   *time.Time
	AddedBy       string
	RemovedBy     string
}

// Active reports whether the number has not been removed.
func (c CustomerNumber) Active() bool {
	return c.RemovedDate == nil
}

// PendingRemoval is a scheduled, not-yet-effective removal of a number that
// disappeared from the most recent DM sync.
type PendingRemoval struct {
	ID           int64
	Number       string
	CustomerName string
	ApplianceID  string
	RemovalDate  time.Time
	RemovedBy    string
}

// NumberEventAction enumerates the kinds of number-inventory events.
type NumberEventAction string

const (
	EventAdd    NumberEventAction = "add"
	EventRemove NumberEventAction = "remove"
	EventUpdate NumberEventAction = "update"
)

// NumberEvent is one append-only audit record for a single number.
type NumberEvent struct {
	ID           string
	Number       string
	Action       NumberEventAction
	CustomerName string
	ApplianceID  string
	UserID       string
	FileName     string
	Details      string
	Timestamp    time.Time
}

// ChangeType enumerates the kinds of aggregate change records.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
)

// CustomerNumberChange is an append-only aggregate summary of one category
// of change for one customer on one appliance during one sync run.
type CustomerNumberChange struct {
	ID           string
	CustomerName string
	ChangeType   ChangeType
	Count        int
	ApplianceID  string
	UserID       string
	Details      string
	Timestamp    time.Time
}

// RequestContext threads per-call identity through every operation;
// cancellation travels in the context.Context each operation also takes,
// and no component reads Deadline. It replaces ambient "current appliance" global/env-var state
// with an explicit value threaded through every call.
type RequestContext struct {
	ApplianceID string
	// DesiredConfigRef is either a numeric configuration id, a
	// configuration name (e.g. "config_052421-1"), or empty meaning
	// "any active / first". Ambiguity between a configuration id and a
	// file-database id must never be inferred silently here: callers
	// supply one or the other explicitly and the config selector resolves both.
	DesiredConfigRef string
	ActingUser       string
	Deadline         time.Time
}

// WithDeadline returns a copy of r with a new absolute deadline.
func (r RequestContext) WithDeadline(d time.Time) RequestContext {
	r.Deadline = d
	return r
}
