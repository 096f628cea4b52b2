// Package inventory owns the process snapshot: it enumerates processes on every refresh,
// applies the active selector and sort order, and exposes the control operations (signals,
// priority, spawning) that act on them.
package inventory

import (
	"os"
	"sort"
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/filter"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/zap"
)

const defaultRestartDelay = 100 * time.Millisecond

// Collector enumerates the processes of a host. An error means enumeration failed as a whole;
// processes that could not be read are left out.
type Collector interface {
	Collect() ([]models.ProcessRecord, error)
}

// RuleEvaluator decides whether a record passes the active rule.
type RuleEvaluator interface {
	EvaluateFor(record *models.ProcessRecord) bool
}

// Inventory is not safe for concurrent use; callers serialize access.
type Inventory struct {
	logger    *zap.Logger
	collector Collector
	system    System
	parser    *filter.Parser

	all       []models.ProcessRecord
	processes []models.ProcessRecord
	filtered  []models.ProcessRecord

	sortKey        SortKey
	sortAscending  bool
	filterMode     string
	filterValue    string
	advancedFilter filter.Expression

	children     []Child
	restartDelay time.Duration
	selfPid      types.Pid
}

func NewInventory(rootLogger *zap.Logger, collector Collector, system System) *Inventory {
	return &Inventory{
		logger:        rootLogger.Named("process-inventory"),
		collector:     collector,
		system:        system,
		parser:        filter.NewParser(),
		sortAscending: true,
		children:      make([]Child, 0),
		restartDelay:  defaultRestartDelay,
		selfPid:       types.Pid(os.Getpid()),
	}
}

// NewLocalInventory builds an inventory over this machine's processes.
func NewLocalInventory(rootLogger *zap.Logger) (*Inventory, error) {
	collector, err := NewSystemCollector(rootLogger)
	if err != nil {
		return nil, err
	}
	return NewInventory(rootLogger, collector, NewSystem()), nil
}

// Refresh reaps exited children and replaces the snapshot. It never fails: when enumeration
// fails the previous snapshot is kept.
func (inv *Inventory) Refresh() {
	inv.reapChildren()

	records, err := inv.collector.Collect()
	if err != nil {
		inv.logger.Warn("Failed to enumerate processes, keeping previous snapshot", zap.Error(err))
		return
	}

	inv.all = records
	inv.rebuild()
}

// rebuild re-applies the selector and sort order to the last enumeration.
func (inv *Inventory) rebuild() {
	visible := make([]models.ProcessRecord, 0, len(inv.all))
	for i := range inv.all {
		if inv.selected(&inv.all[i]) {
			visible = append(visible, inv.all[i])
		}
	}

	sortRecords(visible, inv.sortKey, inv.sortAscending)
	inv.processes = visible
}

func (inv *Inventory) selected(record *models.ProcessRecord) bool {
	if inv.advancedFilter != nil {
		return inv.parser.Evaluate(record, inv.advancedFilter)
	}
	if inv.filterMode == "" || inv.filterValue == "" {
		return true
	}

	value := inv.filterValue
	switch inv.filterMode {
	case "user":
		return record.User.Valid && strings.Contains(record.User.String, value)
	case "name":
		return strings.Contains(strings.ToLower(record.Name), strings.ToLower(value))
	case "pid":
		return strings.Contains(record.Pid.String(), value)
	case "ppid":
		return record.ParentPid.Valid && strings.Contains(record.ParentPidOrZero().String(), value)
	default:
		return true
	}
}

func (inv *Inventory) reapChildren() {
	running := inv.children[:0]
	for _, child := range inv.children {
		if child.Exited() {
			inv.logger.Debug("Reaped spawned child", zap.Uint32("Pid", child.Pid().Uint32()))
			continue
		}
		running = append(running, child)
	}
	inv.children = running
}

// SetFilter installs a simple mode/value filter (modes: user, name, pid, ppid) and clears
// any advanced filter. An empty mode or value removes the filter.
func (inv *Inventory) SetFilter(mode, value string) {
	inv.filterMode = strings.ToLower(strings.TrimSpace(mode))
	inv.filterValue = value
	inv.advancedFilter = nil
	inv.rebuild()
}

// SetAdvancedFilter installs expr (nil removes it) and clears any simple filter.
func (inv *Inventory) SetAdvancedFilter(expr filter.Expression) {
	inv.advancedFilter = expr
	inv.filterMode = ""
	inv.filterValue = ""
	inv.rebuild()
}

// SetAdvancedFilterString parses text and installs it. Blank text removes the filter. On a
// parse failure the current selector is left untouched.
func (inv *Inventory) SetAdvancedFilterString(text string) error {
	if strings.TrimSpace(text) == "" {
		inv.SetAdvancedFilter(nil)
		return nil
	}

	expr, err := inv.parser.Parse(text)
	if err != nil {
		return lpmErrors.WrappedErrParseFilter(err)
	}
	inv.SetAdvancedFilter(expr)
	return nil
}

func (inv *Inventory) AdvancedFilterString() string {
	if inv.advancedFilter == nil {
		return ""
	}
	return inv.advancedFilter.String()
}

func (inv *Inventory) SetSort(key SortKey, ascending bool) error {
	if !key.Valid() {
		return lpmErrors.InvalidInput("unknown sort key '%s'", key)
	}

	inv.sortKey = key
	inv.sortAscending = ascending
	sortRecords(inv.processes, inv.sortKey, inv.sortAscending)
	return nil
}

// ApplyRules keeps the visible processes accepted by evaluator as the rule result and returns
// how many there are.
func (inv *Inventory) ApplyRules(evaluator RuleEvaluator) int {
	filtered := make([]models.ProcessRecord, 0)
	for i := range inv.processes {
		if evaluator.EvaluateFor(&inv.processes[i]) {
			filtered = append(filtered, inv.processes[i])
		}
	}
	inv.filtered = filtered
	return len(filtered)
}

// Processes returns the visible snapshot: selected and sorted.
func (inv *Inventory) Processes() []models.ProcessRecord {
	return copyRecords(inv.processes)
}

// AllProcesses returns the last enumeration, ignoring the selector.
func (inv *Inventory) AllProcesses() []models.ProcessRecord {
	return copyRecords(inv.all)
}

// FilteredProcesses returns the result of the last ApplyRules call.
func (inv *Inventory) FilteredProcesses() []models.ProcessRecord {
	return copyRecords(inv.filtered)
}

func (inv *Inventory) ChildProcesses(parent types.Pid) []models.ProcessRecord {
	children := make([]models.ProcessRecord, 0)
	for i := range inv.all {
		if inv.all[i].HasParent(parent) {
			children = append(children, inv.all[i])
		}
	}
	return children
}

// PidNames maps every enumerated pid to its name. The alert engine compares this map between
// cycles to notice processes that died.
func (inv *Inventory) PidNames() map[types.Pid]string {
	names := make(map[types.Pid]string, len(inv.all))
	for i := range inv.all {
		names[inv.all[i].Pid] = inv.all[i].Name
	}
	return names
}

func copyRecords(records []models.ProcessRecord) []models.ProcessRecord {
	out := make([]models.ProcessRecord, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}

type SortKey string

const (
	SortByPid       SortKey = "pid"
	SortByMemory    SortKey = "mem"
	SortByParentPid SortKey = "ppid"
	SortByStartTime SortKey = "start"
	SortByNice      SortKey = "nice"
	SortByCPU       SortKey = "cpu"
	SortByName      SortKey = "name"
	SortByUser      SortKey = "user"
	SortByStatus    SortKey = "status"
)

var sortLess = map[SortKey]func(a, b *models.ProcessRecord) bool{
	SortByPid:       func(a, b *models.ProcessRecord) bool { return a.Pid < b.Pid },
	SortByMemory:    func(a, b *models.ProcessRecord) bool { return a.MemoryUsage < b.MemoryUsage },
	SortByParentPid: func(a, b *models.ProcessRecord) bool { return a.ParentPidOrZero() < b.ParentPidOrZero() },
	SortByStartTime: func(a, b *models.ProcessRecord) bool { return a.StartTime < b.StartTime },
	SortByNice:      func(a, b *models.ProcessRecord) bool { return a.Nice < b.Nice },
	SortByCPU:       func(a, b *models.ProcessRecord) bool { return a.CPUUsage < b.CPUUsage },
	SortByName:      func(a, b *models.ProcessRecord) bool { return a.Name < b.Name },
	SortByUser:      func(a, b *models.ProcessRecord) bool { return a.User.ValueOrZero() < b.User.ValueOrZero() },
	SortByStatus:    func(a, b *models.ProcessRecord) bool { return a.Status < b.Status },
}

func (k SortKey) Valid() bool {
	_, found := sortLess[k]
	return found
}

// sortRecords is stable in both directions, so equal keys keep their enumeration order.
func sortRecords(records []models.ProcessRecord, key SortKey, ascending bool) {
	less, found := sortLess[key]
	if !found {
		return
	}

	sort.SliceStable(records, func(i, j int) bool {
		if ascending {
			return less(&records[i], &records[j])
		}
		return less(&records[j], &records[i])
	})
}
