// Package orchestrator implements the fan-out and inventory-sync
// operations that span every active appliance: pushing one file update
// out to all of them, re-syncing the digit-map number inventory from
// their DM files, and rolling that inventory into the billing-facing
// customer/number ledger.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/fileops"
	"github.com/sahilghewari/prosbc-core/internal/matching"
)

var _ FileEngine = (*fileops.Engine)(nil)

// FileEngine is the subset of the File Operations Engine the orchestrator
// drives against each appliance.
type FileEngine interface {
	List(ctx context.Context, rc core.RequestContext, kind core.FileKind) ([]core.FileDescriptor, error)
	Export(ctx context.Context, rc core.RequestContext, kind core.FileKind, fileID string) (io.ReadCloser, error)
	Upload(ctx context.Context, rc core.RequestContext, kind core.FileKind, filename string, content []byte, mode core.UploadMode) (core.FileDescriptor, error)
}

const (
	defaultPerApplianceConcurrency = 8
	defaultGlobalConcurrency       = 64
	defaultOperationDeadline       = 30 * time.Second
)

// Options configures an Orchestrator's concurrency bounds.
type Options struct {
	// PerApplianceConcurrency throttles, as requests/second with a burst of
	// the same size, how fast the orchestrator drives calls against any one
	// appliance while iterating over several files against it.
	PerApplianceConcurrency int
	// GlobalConcurrency hard-caps how many appliances are processed at once
	// across an entire fan-out or sync run.
	GlobalConcurrency int
	OperationDeadline time.Duration
	Logger            *slog.Logger
}

// Orchestrator is the Fan-out & Inventory Orchestrator.
type Orchestrator struct {
	credentials core.CredentialRegistry
	files       FileEngine
	inventory   core.InventoryStore
	numbers     core.NumberStore

	globalConcurrency int
	applianceLimit    int
	opDeadline        time.Duration
	logger            *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds an Orchestrator.
func New(credentials core.CredentialRegistry, files FileEngine, inventory core.InventoryStore, numbers core.NumberStore, opts Options) *Orchestrator {
	if opts.PerApplianceConcurrency <= 0 {
		opts.PerApplianceConcurrency = defaultPerApplianceConcurrency
	}
	if opts.GlobalConcurrency <= 0 {
		opts.GlobalConcurrency = defaultGlobalConcurrency
	}
	if opts.OperationDeadline <= 0 {
		opts.OperationDeadline = defaultOperationDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		credentials:       credentials,
		files:             files,
		inventory:         inventory,
		numbers:           numbers,
		globalConcurrency: opts.GlobalConcurrency,
		applianceLimit:    opts.PerApplianceConcurrency,
		opDeadline:        opts.OperationDeadline,
		logger:            opts.Logger,
		limiters:          make(map[string]*rate.Limiter),
	}
}

func (o *Orchestrator) limiterFor(applianceID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[applianceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.applianceLimit), o.applianceLimit)
		o.limiters[applianceID] = l
	}
	return l
}

func (o *Orchestrator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opDeadline)
}

// FanoutResult is one appliance's outcome from UpdateOnAll.
type FanoutResult struct {
	ApplianceID string
	Success     bool
	Message     string
	MatchStage  matching.Stage
	Category    string
}

// UpdateOnAll pushes one file's contents to every active appliance,
// resolving "the same file" on each one through the tolerant name-matching
// chain rather than requiring identical ids or exact names across
// appliances. An appliance with no matching file is reported, not an
// error: that appliance simply doesn't carry this file. Results preserve
// the insertion order of the active appliance list regardless of which
// goroutine finishes first.
func (o *Orchestrator) UpdateOnAll(ctx context.Context, kind core.FileKind, filename string, content []byte, actingUser string) ([]FanoutResult, error) {
	appliances, err := o.credentials.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]FanoutResult, len(appliances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.globalConcurrency)

	for i, appliance := range appliances {
		i, appliance := i, appliance
		g.Go(func() error {
			results[i] = o.updateOne(gctx, appliance.ID, kind, filename, content, actingUser)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (o *Orchestrator) updateOne(ctx context.Context, applianceID string, kind core.FileKind, filename string, content []byte, actingUser string) FanoutResult {
	ctx, cancel := o.withDeadline(ctx)
	defer cancel()

	if err := o.limiterFor(applianceID).Wait(ctx); err != nil {
		return FanoutResult{ApplianceID: applianceID, Success: false, Message: err.Error(), Category: core.ClassifyFanoutError(err)}
	}

	rc := core.RequestContext{ApplianceID: applianceID, ActingUser: actingUser}
	files, err := o.files.List(ctx, rc, kind)
	if err != nil {
		return FanoutResult{ApplianceID: applianceID, Success: false, Message: err.Error(), Category: core.ClassifyFanoutError(err)}
	}

	ids := make([]string, len(files))
	names := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
		names[i] = f.Name
	}

	matchedID, match, found := matching.MatchFile("", filename, ids, names)
	if !found {
		return FanoutResult{ApplianceID: applianceID, Success: false, Message: "not on this instance"}
	}

	// Update under the file's actual remote name: fuzzy-matched candidates
	// routinely differ from the canonical name by case or whitespace, and
	// the File Operations Engine's own update path matches by exact name.
	remoteName := filename
	for _, f := range files {
		if f.ID == matchedID {
			remoteName = f.Name
			break
		}
	}

	if _, err := o.files.Upload(ctx, rc, kind, remoteName, content, core.ModeUpdate); err != nil {
		return FanoutResult{ApplianceID: applianceID, Success: false, Message: err.Error(), Category: core.ClassifyFanoutError(err), MatchStage: match.Stage}
	}

	return FanoutResult{ApplianceID: applianceID, Success: true, MatchStage: match.Stage}
}

// calledCallingMarker excludes the reverse/called-calling digitmap
// variant from inventory sync: only the forward routing table carries
// the customer-facing number list.
const calledCallingMarker = "called_calling"

// headerLiteral is the DM CSV's first-column header row, excluded from the
// extracted number set.
const headerLiteral = "called"

// SyncResult summarizes one synced file.
type SyncResult struct {
	Name  string
	Count int
}

// SyncError pairs a file name with why its sync failed.
type SyncError struct {
	Name    string
	Message string
}

// SyncDmInventory re-exports every eligible DM file on one appliance and
// refreshes the persisted number inventory from its contents. Per-file
// failures mark that row inactive and do not abort the remaining files.
func (o *Orchestrator) SyncDmInventory(ctx context.Context, applianceID, configRef, actingUser string) ([]SyncResult, []SyncError, error) {
	ctx, cancel := o.withDeadline(ctx)
	defer cancel()

	rc := core.RequestContext{ApplianceID: applianceID, DesiredConfigRef: configRef, ActingUser: actingUser}
	files, err := o.files.List(ctx, rc, core.KindDM)
	if err != nil {
		return nil, nil, err
	}

	var synced []SyncResult
	var syncErrs []SyncError

	for _, f := range files {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		if strings.Contains(strings.ToLower(f.Name), calledCallingMarker) {
			continue
		}

		if err := o.limiterFor(applianceID).Wait(ctx); err != nil {
			syncErrs = append(syncErrs, SyncError{Name: f.Name, Message: err.Error()})
			continue
		}

		row := core.DmInventoryRow{ApplianceID: applianceID, FileName: f.Name, Status: core.InventorySyncing, LastSyncedAt: time.Now()}
		if err := o.inventory.Upsert(ctx, row); err != nil {
			syncErrs = append(syncErrs, SyncError{Name: f.Name, Message: err.Error()})
			continue
		}

		count, body, numbers, err := o.exportAndExtract(ctx, rc, f.ID)
		if err != nil {
			row.Status = core.InventoryInactive
			_ = o.inventory.Upsert(ctx, row)
			syncErrs = append(syncErrs, SyncError{Name: f.Name, Message: err.Error()})
			continue
		}

		row.Status = core.InventoryActive
		row.CSVBody = body
		row.ExtractedNumbers = numbers
		row.NumberCount = count
		row.LastSyncedAt = time.Now()
		if err := o.inventory.Upsert(ctx, row); err != nil {
			syncErrs = append(syncErrs, SyncError{Name: f.Name, Message: err.Error()})
			continue
		}

		synced = append(synced, SyncResult{Name: f.Name, Count: count})
	}

	return synced, syncErrs, nil
}

func (o *Orchestrator) exportAndExtract(ctx context.Context, rc core.RequestContext, fileID string) (int, []byte, []string, error) {
	rcDoc, err := o.files.Export(ctx, rc, core.KindDM, fileID)
	if err != nil {
		return 0, nil, nil, err
	}
	defer rcDoc.Close()

	body, err := io.ReadAll(rcDoc)
	if err != nil {
		return 0, nil, nil, err
	}

	numbers, err := extractFirstColumn(body)
	if err != nil {
		return 0, nil, nil, err
	}
	return len(numbers), body, numbers, nil
}

// extractFirstColumn pulls the trimmed, non-empty first-column values out
// of a DM CSV export, skipping the header literal and de-duplicating.
func extractFirstColumn(body []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1

	seen := make(map[string]struct{})
	var out []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		v := strings.TrimSpace(record[0])
		if v == "" || strings.EqualFold(v, headerLiteral) {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// renderAsCsv writes numbers back out as a single-column DM CSV body, one
// number per row with the same header literal extractFirstColumn skips.
// extractFirstColumn(renderAsCsv(numbers)) reproduces numbers in the same
// order and set, the inverse of the parse extractFirstColumn performs.
func renderAsCsv(numbers []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{headerLiteral}); err != nil {
		return nil, err
	}
	for _, n := range numbers {
		if err := w.Write([]string{n}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// removalGraceMonth computes the end of the current calendar month in the
// given reference time's location, used as a scheduled removal's due date.
func removalGraceMonth(now time.Time) time.Time {
	year, month, _ := now.Date()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, now.Location())
	return firstOfNext.Add(-time.Nanosecond)
}

// ReplaceResult summarizes one appliance's contribution to a ReplaceAll run.
type ReplaceResult struct {
	ApplianceID string
	Added       int
	Renamed     int
	Scheduled   int
	SyncErrors  []SyncError
}

const insertBatchSize = 1000

// ReplaceAll re-syncs the DM inventory for every active appliance, then
// reconciles it against the persisted customer-number ledger: new numbers
// are added, numbers whose customer name changed are renamed in place, and
// numbers that disappeared from the synced files are scheduled for removal
// at the end of the current month rather than removed immediately.
// Re-running with unchanged inputs yields zero additions and zero new
// scheduled removals.
func (o *Orchestrator) ReplaceAll(ctx context.Context, configRef, actingUser string) ([]ReplaceResult, error) {
	appliances, err := o.credentials.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ReplaceResult, len(appliances))
	for i, appliance := range appliances {
		synced, syncErrs, err := o.SyncDmInventory(ctx, appliance.ID, configRef, actingUser)
		if err != nil {
			results[i] = ReplaceResult{ApplianceID: appliance.ID, SyncErrors: append(syncErrs, SyncError{Name: "*", Message: err.Error()})}
			continue
		}

		result, err := o.reconcileAppliance(ctx, appliance.ID, synced, actingUser)
		if err != nil {
			syncErrs = append(syncErrs, SyncError{Name: "*", Message: err.Error()})
		}
		result.ApplianceID = appliance.ID
		result.SyncErrors = syncErrs
		results[i] = result
	}
	return results, nil
}

func (o *Orchestrator) reconcileAppliance(ctx context.Context, applianceID string, synced []SyncResult, actingUser string) (ReplaceResult, error) {
	rows, err := o.inventory.ListByAppliance(ctx, applianceID)
	if err != nil {
		return ReplaceResult{}, err
	}

	// current maps customer name (derived from the DM file name, minus its
	// extension) to the set of numbers that file carries right now.
	current := make(map[string]map[string]struct{})
	for _, row := range rows {
		if row.Status != core.InventoryActive {
			continue
		}
		customer := customerNameFromFile(row.FileName)
		set, ok := current[customer]
		if !ok {
			set = make(map[string]struct{})
			current[customer] = set
		}
		for _, n := range row.ExtractedNumbers {
			set[n] = struct{}{}
		}
	}

	existing, err := o.numbers.ActiveByAppliance(ctx, applianceID)
	if err != nil {
		return ReplaceResult{}, err
	}
	existingByNumber := make(map[string]core.CustomerNumber, len(existing))
	for _, n := range existing {
		existingByNumber[n.Number] = n
	}

	var toInsert []core.CustomerNumber
	var toSchedule []core.PendingRemoval
	var events []core.NumberEvent
	addCounts := make(map[string]int)
	removeCounts := make(map[string]int)
	renamed := 0

	now := removalGraceMonth(time.Now())
	stillActive := make(map[string]struct{}, len(existingByNumber))

	for customer, numbers := range current {
		for number := range numbers {
			existingRow, ok := existingByNumber[number]
			if !ok {
				toInsert = append(toInsert, core.CustomerNumber{
					Number: number, CustomerName: customer, ApplianceID: applianceID,
					AddedDate: time.Now(), AddedBy: actingUser,
				})
				addCounts[customer]++
				events = append(events, core.NumberEvent{
					Number: number, Action: core.EventAdd, CustomerName: customer, ApplianceID: applianceID,
					UserID: actingUser, Timestamp: time.Now(),
				})
				stillActive[number] = struct{}{}
				continue
			}

			stillActive[number] = struct{}{}
			if existingRow.CustomerName == customer {
				continue
			}

			if err := o.numbers.RenameCustomer(ctx, applianceID, number, existingRow.CustomerName, customer); err != nil {
				return ReplaceResult{}, err
			}
			renamed++
			events = append(events, core.NumberEvent{
				Number: number, Action: core.EventUpdate, CustomerName: customer, ApplianceID: applianceID,
				UserID: actingUser, Timestamp: time.Now(),
				Details: fmt.Sprintf("renamed from %s", existingRow.CustomerName),
			})
		}
	}

	pending, err := o.numbers.PendingRemovalsByAppliance(ctx, applianceID)
	if err != nil {
		return ReplaceResult{}, err
	}
	alreadyPending := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		alreadyPending[p.Number] = struct{}{}
	}

	for number, existingRow := range existingByNumber {
		if _, ok := stillActive[number]; ok {
			continue
		}
		if _, ok := alreadyPending[number]; ok {
			continue
		}
		toSchedule = append(toSchedule, core.PendingRemoval{
			Number: number, CustomerName: existingRow.CustomerName, ApplianceID: applianceID,
			RemovalDate: now, RemovedBy: actingUser,
		})
		removeCounts[existingRow.CustomerName]++
	}

	if err := o.insertBatched(ctx, toInsert); err != nil {
		return ReplaceResult{}, err
	}
	if len(toSchedule) > 0 {
		if err := o.numbers.SchedulePendingRemovals(ctx, toSchedule); err != nil {
			return ReplaceResult{}, err
		}
	}
	if len(events) > 0 {
		if err := o.numbers.AppendEvents(ctx, events); err != nil {
			return ReplaceResult{}, err
		}
	}

	changes := aggregateChanges(addCounts, removeCounts, applianceID, actingUser)
	if len(changes) > 0 {
		if err := o.numbers.AppendChanges(ctx, changes); err != nil {
			return ReplaceResult{}, err
		}
	}

	return ReplaceResult{Added: len(toInsert), Renamed: renamed, Scheduled: len(toSchedule)}, nil
}

func (o *Orchestrator) insertBatched(ctx context.Context, rows []core.CustomerNumber) error {
	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := o.numbers.InsertNumbers(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func aggregateChanges(addCounts, removeCounts map[string]int, applianceID, actingUser string) []core.CustomerNumberChange {
	var out []core.CustomerNumberChange
	customers := make(map[string]struct{})
	for c := range addCounts {
		customers[c] = struct{}{}
	}
	for c := range removeCounts {
		customers[c] = struct{}{}
	}
	names := make([]string, 0, len(customers))
	for c := range customers {
		names = append(names, c)
	}
	sort.Strings(names)

	for _, c := range names {
		if n := addCounts[c]; n > 0 {
			out = append(out, core.CustomerNumberChange{CustomerName: c, ChangeType: core.ChangeAdd, Count: n, ApplianceID: applianceID, UserID: actingUser, Timestamp: time.Now()})
		}
		if n := removeCounts[c]; n > 0 {
			out = append(out, core.CustomerNumberChange{CustomerName: c, ChangeType: core.ChangeRemove, Count: n, ApplianceID: applianceID, UserID: actingUser, Timestamp: time.Now()})
		}
	}
	return out
}

func customerNameFromFile(fileName string) string {
	name := fileName
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	return name
}

// ProcessPendingRemovals finalizes every scheduled removal whose due date
// has passed as of now: the number is marked removed and a remove event is
// recorded.
func (o *Orchestrator) ProcessPendingRemovals(ctx context.Context, now time.Time) (int, error) {
	due, err := o.numbers.DuePendingRemovals(ctx, now)
	if err != nil {
		return 0, err
	}

	var events []core.NumberEvent
	for _, removal := range due {
		if err := o.numbers.ApplyRemoval(ctx, removal); err != nil {
			return 0, fmt.Errorf("apply removal for %s: %w", removal.Number, err)
		}
		events = append(events, core.NumberEvent{
			Number: removal.Number, Action: core.EventRemove, CustomerName: removal.CustomerName,
			ApplianceID: removal.ApplianceID, UserID: removal.RemovedBy, Timestamp: now,
		})
	}
	if len(events) > 0 {
		if err := o.numbers.AppendEvents(ctx, events); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// MonthlyUsage reports the unique active-number count per customer for one
// appliance (or every appliance, if applianceID is empty) during the given
// month.
func (o *Orchestrator) MonthlyUsage(ctx context.Context, year, month int, applianceID string) (map[string]int, error) {
	return o.numbers.MonthlyUsage(ctx, year, month, applianceID)
}
