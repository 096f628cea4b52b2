package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/inventory"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	calls     []string
	err       error
	restarted []types.Pid
	cleaned   []types.Pid
	records   []models.ProcessRecord
}

func (c *fakeController) record(call string) error {
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) KillProcess(pid types.Pid) error {
	return c.record(fmt.Sprintf("kill %d", pid))
}

func (c *fakeController) StopProcess(pid types.Pid) error {
	return c.record(fmt.Sprintf("stop %d", pid))
}

func (c *fakeController) ContinueProcess(pid types.Pid) error {
	return c.record(fmt.Sprintf("continue %d", pid))
}

func (c *fakeController) SetNiceness(pid types.Pid, nice int) error {
	return c.record(fmt.Sprintf("renice %d %d", pid, nice))
}

func (c *fakeController) RestartProcessByPattern(pattern string) ([]types.Pid, error) {
	return c.restarted, c.record("restart " + pattern)
}

func (c *fakeController) StartProcess(program string, args []string, workingDir string, env []string) (types.Pid, error) {
	return 321, c.record(fmt.Sprintf("start %s %v", program, args))
}

func (c *fakeController) CleanupIdleProcesses(cpuThreshold float64, memoryThreshold uint64, action string) ([]types.Pid, error) {
	return c.cleaned, c.record(fmt.Sprintf("cleanup %g %d %s", cpuThreshold, memoryThreshold, action))
}

func (c *fakeController) ApplyRules(evaluator inventory.RuleEvaluator) int {
	matching := 0
	for i := range c.records {
		if evaluator.EvaluateFor(&c.records[i]) {
			matching++
		}
	}
	c.calls = append(c.calls, "apply")
	return matching
}

type fakeRules struct {
	rule string
	err  error
}

func (r *fakeRules) SetRule(rule string) error {
	if r.err != nil {
		return r.err
	}
	r.rule = rule
	return nil
}

func (r *fakeRules) EvaluateFor(record *models.ProcessRecord) bool {
	return record.Name == r.rule
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestScheduler(t *testing.T, tasks ...ScheduledTask) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: noon}
	s := NewScheduler(zap.NewNop(), WithClock(clock.Now))
	for _, task := range tasks {
		require.NoError(t, s.AddTask(task))
	}
	return s, clock
}

func TestCheckDueTasksRunsIntervalTasks(t *testing.T) {
	s, clock := newTestScheduler(t, NewTask("reaper", Interval(10), KillProcess(42)))
	controller := &fakeController{}

	entries := s.CheckDueTasks(controller, &fakeRules{})
	require.Len(t, entries, 1)
	assert.Equal(t, LogEntry{TaskName: "reaper", Time: noon, Result: "Killed process PID 42"}, entries[0])

	task := s.Tasks()[0]
	assert.Equal(t, noon, task.LastRun.Time)
	assert.Equal(t, noon.Add(10*time.Second), task.NextRun.Time)

	clock.now = noon.Add(5 * time.Second)
	assert.Empty(t, s.CheckDueTasks(controller, &fakeRules{}))

	clock.now = noon.Add(10 * time.Second)
	assert.Len(t, s.CheckDueTasks(controller, &fakeRules{}), 1)
	assert.Equal(t, []string{"kill 42", "kill 42"}, controller.calls)
	assert.Len(t, s.TaskLog(), 2)
}

func TestOnceTaskRunsOnce(t *testing.T) {
	s, clock := newTestScheduler(t, NewTask("later", Once(noon.Add(time.Minute)), StopProcess(7)))
	controller := &fakeController{}

	assert.Empty(t, s.CheckDueTasks(controller, &fakeRules{}))
	clock.now = noon.Add(2 * time.Minute)
	assert.Len(t, s.CheckDueTasks(controller, &fakeRules{}), 1)
	assert.False(t, s.Tasks()[0].NextRun.Valid)
	clock.now = noon.Add(3 * time.Minute)
	assert.Empty(t, s.CheckDueTasks(controller, &fakeRules{}))
	assert.Equal(t, []string{"stop 7"}, controller.calls)
}

func TestDisabledTasksDoNotRun(t *testing.T) {
	s, _ := newTestScheduler(t, NewTask("off", Interval(1), KillProcess(1)))
	enabled, err := s.ToggleTask(0)
	require.NoError(t, err)
	require.False(t, enabled)

	assert.Empty(t, s.CheckDueTasks(&fakeController{}, &fakeRules{}))
	assert.False(t, s.Tasks()[0].LastRun.Valid)
}

func TestActionResults(t *testing.T) {
	failure := errors.New("operation not permitted")

	tests := []struct {
		action   Action
		err      error
		expected string
	}{
		{action: KillProcess(42), expected: "Killed process PID 42"},
		{action: KillProcess(42), err: failure, expected: "Error killing PID 42: operation not permitted"},
		{action: StopProcess(42), expected: "Stopped process PID 42"},
		{action: StopProcess(42), err: failure, expected: "Error stopping PID 42: operation not permitted"},
		{action: ContinueProcess(42), expected: "Continued process PID 42"},
		{action: ContinueProcess(42), err: failure, expected: "Error continuing PID 42: operation not permitted"},
		{action: ReniceProcess(42, 10), expected: "Reniced PID 42 to 10"},
		{action: ReniceProcess(42, -5), err: failure, expected: "Error renicing PID 42: operation not permitted"},
		{action: RestartProcess("worker"), expected: "No processes found matching 'worker' to restart"},
		{action: RestartProcess("worker"), err: failure, expected: "Error restarting processes matching 'worker': operation not permitted"},
		{action: StartProcess("/bin/true", "-x"), expected: "Started process '/bin/true' (PID: 321)"},
		{action: StartProcess("/bin/true"), err: failure, expected: "Error starting '/bin/true': operation not permitted"},
		{action: CleanupIdle(1, 1024, 0, "stop"), expected: "Cleaned up 0 idle processes"},
		{action: CleanupIdle(1, 1024, 0, "stop"), err: failure, expected: "Error: operation not permitted"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			controller := &fakeController{err: test.err}
			assert.Equal(t, test.expected, test.action.Execute(controller, &fakeRules{}))
			assert.Len(t, controller.calls, 1)
		})
	}
}

func TestRestartResultCountsProcesses(t *testing.T) {
	controller := &fakeController{restarted: []types.Pid{3, 4}}

	assert.Equal(t, "Restarted 2 process(es) matching 'web'", RestartProcess("web").Execute(controller, &fakeRules{}))
	assert.Equal(t, []string{"restart web"}, controller.calls)
}

func TestApplyRuleAction(t *testing.T) {
	controller := &fakeController{records: []models.ProcessRecord{{Name: "java"}, {Name: "sh"}, {Name: "java"}}}
	rules := &fakeRules{}

	assert.Equal(t, "Rule applied (2 matching)", ApplyRule("java").Execute(controller, rules))
	assert.Equal(t, "java", rules.rule)

	rules.err = lpmErrors.ParseError("bad rule")
	assert.Equal(t, "Error applying rule: bad rule", ApplyRule("(").Execute(controller, rules))
	assert.Equal(t, []string{"apply"}, controller.calls)
}

func TestTaskLogIsBounded(t *testing.T) {
	s, _ := newTestScheduler(t)

	for i := 0; i < MaxLogEntries+5; i++ {
		s.AddLogEntry(fmt.Sprintf("task-%d", i), "ok")
	}

	log := s.TaskLog()
	require.Len(t, log, MaxLogEntries)
	assert.Equal(t, "task-5", log[0].TaskName)
	assert.Equal(t, fmt.Sprintf("task-%d", MaxLogEntries+4), log[MaxLogEntries-1].TaskName)
}

func TestTaskCRUD(t *testing.T) {
	s, _ := newTestScheduler(t)

	invalid := []ScheduledTask{
		NewTask("", Interval(1), KillProcess(1)),
		NewTask("no pid", Interval(1), KillProcess(0)),
		NewTask("broadcast pid", Interval(1), KillProcess(4294967295)),
		NewTask("group pid", Interval(1), StopProcess(2147483648)),
		NewTask("renice group pid", Interval(1), ReniceProcess(3000000000, 5)),
		NewTask("no pattern", Interval(1), RestartProcess("")),
		NewTask("no program", Interval(1), StartProcess(" ")),
		NewTask("bad cleanup", Interval(1), CleanupIdle(1, 1, 0, "suspend")),
		NewTask("bad action", Interval(1), Action{Type: "reboot"}),
		NewTask("bad schedule", Schedule{Type: "weekly"}, KillProcess(1)),
		NewTask("no time", Schedule{Type: ScheduleOnce}, KillProcess(1)),
	}
	for _, task := range invalid {
		assert.True(t, lpmErrors.IsInvalidInput(s.AddTask(task)), task.Name)
	}

	// Unsupported cron syntax is accepted.
	require.NoError(t, s.AddTask(NewTask("a", Cron("*/5 * * * *"), KillProcess(1))))
	require.NoError(t, s.AddTask(NewTask("b", Interval(1), ApplyRule("cpu > 1"))))

	removed, err := s.RemoveTask(0)
	require.NoError(t, err)
	assert.Equal(t, "a", removed.Name)
	require.Len(t, s.Tasks(), 1)

	_, err = s.RemoveTask(3)
	assert.True(t, lpmErrors.IsNotFound(err))
	_, err = s.ToggleTask(1)
	assert.True(t, lpmErrors.IsNotFound(err))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Cleanup: CPU<1.5%, MEM>100MB, kill", CleanupIdle(1.5, 100*1024*1024, 60, "kill").Describe())
	assert.Equal(t, "Start: /bin/app --fast", StartProcess("/bin/app", "--fast").Describe())
	assert.Equal(t, "Kill PID: 9", KillProcess(9).Describe())
	assert.Equal(t, "Every 30s", Interval(30).Describe())
	assert.Equal(t, "Cron: 0 * * * *", Cron("0 * * * *").Describe())
}
