package inventory

import (
	"testing"

	"github.com/pkg/errors"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

type ruleFunc func(record *models.ProcessRecord) bool

func (f ruleFunc) EvaluateFor(record *models.ProcessRecord) bool {
	return f(record)
}

func sampleRecords() []models.ProcessRecord {
	nginx := record(10, 1, "nginx")
	nginx.User = null.StringFrom("www-data")
	nginx.CPUUsage = 12.5
	nginx.MemoryUsage = 300 * 1024 * 1024

	postgres := record(20, 1, "Postgres")
	postgres.User = null.StringFrom("postgres")
	postgres.CPUUsage = 3
	postgres.MemoryUsage = 800 * 1024 * 1024

	worker := record(30, 10, "nginx-worker")
	worker.User = null.StringFrom("www-data")
	worker.CPUUsage = 3
	worker.MemoryUsage = 50 * 1024 * 1024

	return []models.ProcessRecord{record(1, 0, "init"), nginx, postgres, worker}
}

func TestRefreshKeepsPreviousSnapshotOnFailure(t *testing.T) {
	inv, collector, _ := newTestInventory(sampleRecords()...)
	require.Len(t, inv.Processes(), 4)

	collector.err = errors.New("proc unavailable")
	inv.Refresh()

	assert.Len(t, inv.Processes(), 4)
	assert.Len(t, inv.AllProcesses(), 4)
}

func TestRefreshReapsExitedChildren(t *testing.T) {
	inv, _, _ := newTestInventory()
	running := &fakeChild{pid: 7}
	done := &fakeChild{pid: 8, exited: true}
	inv.children = append(inv.children, running, done)

	inv.Refresh()

	require.Len(t, inv.children, 1)
	assert.Equal(t, types.Pid(7), inv.children[0].Pid())
}

func TestSetFilter(t *testing.T) {
	tests := []struct {
		mode     string
		value    string
		expected []types.Pid
	}{
		{mode: "user", value: "www", expected: []types.Pid{10, 30}},
		{mode: "name", value: "POSTGRES", expected: []types.Pid{20}},
		{mode: "pid", value: "0", expected: []types.Pid{10, 20, 30}},
		{mode: "ppid", value: "10", expected: []types.Pid{30}},
		{mode: "bogus", value: "x", expected: []types.Pid{1, 10, 20, 30}},
		{mode: "name", value: "", expected: []types.Pid{1, 10, 20, 30}},
	}

	for _, test := range tests {
		t.Run(test.mode+"="+test.value, func(t *testing.T) {
			inv, _, _ := newTestInventory(sampleRecords()...)
			inv.SetFilter(test.mode, test.value)
			assert.Equal(t, test.expected, pidsOf(inv.Processes()))
			assert.Len(t, inv.AllProcesses(), 4)
		})
	}
}

func TestSelectorsReplaceEachOther(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)

	require.NoError(t, inv.SetAdvancedFilterString("cpu > 10"))
	assert.Equal(t, []types.Pid{10}, pidsOf(inv.Processes()))
	assert.Equal(t, "cpu > 10", inv.AdvancedFilterString())

	inv.SetFilter("name", "postgres")
	assert.Equal(t, []types.Pid{20}, pidsOf(inv.Processes()))
	assert.Empty(t, inv.AdvancedFilterString())

	require.NoError(t, inv.SetAdvancedFilterString("user == www-data"))
	assert.Equal(t, []types.Pid{10, 30}, pidsOf(inv.Processes()))

	require.NoError(t, inv.SetAdvancedFilterString("  "))
	assert.Len(t, inv.Processes(), 4)
}

func TestSetAdvancedFilterStringKeepsSelectorOnParseError(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)
	require.NoError(t, inv.SetAdvancedFilterString("memory > 100"))

	err := inv.SetAdvancedFilterString("memory > lots")
	require.Error(t, err)
	assert.True(t, lpmErrors.IsParseError(err))

	assert.Equal(t, "memory > 100", inv.AdvancedFilterString())
	assert.Equal(t, []types.Pid{10, 20}, pidsOf(inv.Processes()))
}

func TestSetSort(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)

	require.NoError(t, inv.SetSort(SortByMemory, false))
	assert.Equal(t, []types.Pid{20, 10, 30, 1}, pidsOf(inv.Processes()))

	// Equal cpu values keep enumeration order in both directions.
	require.NoError(t, inv.SetSort(SortByCPU, true))
	assert.Equal(t, []types.Pid{1, 20, 30, 10}, pidsOf(inv.Processes()))
	require.NoError(t, inv.SetSort(SortByCPU, false))
	assert.Equal(t, []types.Pid{10, 20, 30, 1}, pidsOf(inv.Processes()))

	require.NoError(t, inv.SetSort(SortByName, true))
	assert.Equal(t, []types.Pid{20, 1, 10, 30}, pidsOf(inv.Processes()))
}

func TestSortSurvivesRefresh(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)
	require.NoError(t, inv.SetSort(SortByPid, false))

	inv.Refresh()

	assert.Equal(t, []types.Pid{30, 20, 10, 1}, pidsOf(inv.Processes()))
}

func TestSetSortRejectsUnknownKey(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)
	require.NoError(t, inv.SetSort(SortByPid, false))

	err := inv.SetSort("size", true)
	require.Error(t, err)
	assert.True(t, lpmErrors.IsInvalidInput(err))
	assert.Equal(t, []types.Pid{30, 20, 10, 1}, pidsOf(inv.Processes()))
}

func TestApplyRulesUsesVisibleSnapshot(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)
	inv.SetFilter("user", "www-data")

	count := inv.ApplyRules(ruleFunc(func(record *models.ProcessRecord) bool {
		return record.MemoryMB() < 100
	}))

	assert.Equal(t, 1, count)
	assert.Equal(t, []types.Pid{30}, pidsOf(inv.FilteredProcesses()))
}

func TestRelations(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)

	assert.Equal(t, []types.Pid{10, 20}, pidsOf(inv.ChildProcesses(1)))
	assert.Empty(t, inv.ChildProcesses(30))
	assert.Equal(t, map[types.Pid]string{1: "init", 10: "nginx", 20: "Postgres", 30: "nginx-worker"}, inv.PidNames())
}

func TestAccessorsReturnCopies(t *testing.T) {
	inv, _, _ := newTestInventory(sampleRecords()...)

	processes := inv.Processes()
	processes[0].Name = "changed"

	assert.Equal(t, "init", inv.Processes()[0].Name)
}
