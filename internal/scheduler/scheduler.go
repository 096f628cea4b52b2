// Package scheduler runs operator-defined tasks on cron, interval or one-shot schedules and
// keeps a bounded log of their outcomes.
package scheduler

import (
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// MaxLogEntries bounds the task log; the oldest entries are evicted first.
const MaxLogEntries = 100

type ScheduledTask struct {
	Name     string    `json:"name"`
	Schedule Schedule  `json:"schedule"`
	Action   Action    `json:"action"`
	Enabled  bool      `json:"enabled"`
	LastRun  null.Time `json:"-"`
	NextRun  null.Time `json:"-"`
}

// NewTask returns an enabled task that has never run.
func NewTask(name string, schedule Schedule, action Action) ScheduledTask {
	return ScheduledTask{
		Name:     name,
		Schedule: schedule,
		Action:   action,
		Enabled:  true,
	}
}

func (t *ScheduledTask) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return lpmErrors.InvalidInput("task has no name")
	}
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	return t.Action.Validate()
}

type LogEntry struct {
	TaskName string    `json:"task_name"`
	Time     time.Time `json:"time"`
	Result   string    `json:"result"`
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler is not safe for concurrent use.
type Scheduler struct {
	logger *zap.Logger
	tasks  []ScheduledTask
	log    []LogEntry
	now    func() time.Time
}

func NewScheduler(rootLogger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: rootLogger.Named("scheduler"),
		tasks:  make([]ScheduledTask, 0),
		log:    make([]LogEntry, 0, MaxLogEntries),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) AddTask(task ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Schedule.Type == ScheduleCron {
		if err := ValidateCron(task.Schedule.Expression); err != nil {
			s.logger.Warn("Cron expression only partly supported",
				zap.String("TaskName", task.Name),
				zap.String("Expression", task.Schedule.Expression),
				zap.Error(err))
		}
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *Scheduler) RemoveTask(index int) (ScheduledTask, error) {
	if index < 0 || index >= len(s.tasks) {
		return ScheduledTask{}, lpmErrors.NotFound("no task at index %d", index)
	}
	removed := s.tasks[index]
	s.tasks = append(s.tasks[:index], s.tasks[index+1:]...)
	return removed, nil
}

// ToggleTask flips the enabled flag of the task at index and returns the new value.
func (s *Scheduler) ToggleTask(index int) (bool, error) {
	if index < 0 || index >= len(s.tasks) {
		return false, lpmErrors.NotFound("no task at index %d", index)
	}
	s.tasks[index].Enabled = !s.tasks[index].Enabled
	return s.tasks[index].Enabled, nil
}

func (s *Scheduler) Tasks() []ScheduledTask {
	tasks := make([]ScheduledTask, len(s.tasks))
	copy(tasks, s.tasks)
	return tasks
}

func (s *Scheduler) TaskLog() []LogEntry {
	log := make([]LogEntry, len(s.log))
	copy(log, s.log)
	return log
}

func (s *Scheduler) AddLogEntry(taskName, result string) {
	if len(s.log) >= MaxLogEntries {
		s.log = append(s.log[:0], s.log[len(s.log)-MaxLogEntries+1:]...)
	}
	s.log = append(s.log, LogEntry{TaskName: taskName, Time: s.now(), Result: result})
}

// DueTasks marks every enabled task that is due as run and returns their indices.
func (s *Scheduler) DueTasks() []int {
	now := s.now()
	due := make([]int, 0)
	for i := range s.tasks {
		task := &s.tasks[i]
		if !task.Enabled || !task.Schedule.Due(task.LastRun, now) {
			continue
		}
		task.LastRun = null.TimeFrom(now)
		task.NextRun = task.Schedule.NextRun(now)
		due = append(due, i)
	}
	return due
}

// CheckDueTasks runs every due task and logs its outcome. It returns the new log entries.
func (s *Scheduler) CheckDueTasks(controller Controller, rules RuleEngine) []LogEntry {
	due := s.DueTasks()
	entries := make([]LogEntry, 0, len(due))
	for _, index := range due {
		task := s.tasks[index]

		result := task.Action.Execute(controller, rules)
		s.AddLogEntry(task.Name, result)
		entries = append(entries, s.log[len(s.log)-1])

		s.logger.Info("Ran scheduled task",
			zap.String("TaskName", task.Name),
			zap.String("Action", task.Action.Describe()),
			zap.String("Result", result))
	}
	return entries
}
