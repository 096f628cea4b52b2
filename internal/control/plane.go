// Package control drives the agent: it refreshes the process inventory on a fixed cadence,
// checks alerts and scheduled tasks after each refresh, and serializes operator calls with the
// refresh cycle.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/alerts"
	automationConfig "github.com/procpilot/agent/internal/config"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/inventory"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/rules"
	"github.com/procpilot/agent/internal/scheduler"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errAlreadyRunning = errors.New("control plane is already running")

type Option func(*Plane)

// WithClock replaces time.Now for the plane and the engines it owns.
func WithClock(now func() time.Time) Option {
	return func(p *Plane) {
		p.now = now
	}
}

type Plane struct {
	logger    *zap.Logger
	context   context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	running   *atomic.Bool
	lock      sync.Mutex
	config    *PlaneConfig
	now       func() time.Time

	inventory *inventory.Inventory
	rules     *rules.Engine
	alerts    *alerts.Manager
	scheduler *scheduler.Scheduler

	previousPids       map[types.Pid]string
	lastSchedulerCheck time.Time
}

// NewPlane wires the engines around inv and installs the given automation. Invalid tasks and
// alerts are skipped and logged.
func NewPlane(ctx context.Context, rootLogger *zap.Logger, planeConfig *PlaneConfig, inv *inventory.Inventory,
	automation *automationConfig.Automation, opts ...Option) (*Plane, error) {
	if _, err := planeConfig.Valid(); err != nil {
		return nil, lpmErrors.WrappedErrNewPlane(err)
	}

	logger := rootLogger.Named("control-plane")
	ctx, cancel := context.WithCancel(ctx)

	p := &Plane{
		logger:    logger,
		context:   ctx,
		cancel:    cancel,
		running:   atomic.NewBool(false),
		config:    planeConfig,
		now:       time.Now,
		inventory: inv,
		rules:     rules.NewEngine(rootLogger),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.alerts = alerts.NewManager(rootLogger, alerts.WithClock(p.now))
	p.scheduler = scheduler.NewScheduler(rootLogger, scheduler.WithClock(p.now))

	if automation != nil {
		if err := p.install(automation); err != nil {
			logger.Warn("Skipped invalid automation entries", zap.Error(err))
		}
	}

	return p, nil
}

func (p *Plane) install(automation *automationConfig.Automation) error {
	var errs error
	for _, task := range automation.Tasks {
		if err := p.scheduler.AddTask(task); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "task '%s'", task.Name))
		}
	}
	for _, alert := range automation.Alerts {
		if err := p.alerts.AddAlert(alert); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "alert '%s'", alert.Name))
		}
	}
	return errs
}

func (p *Plane) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	p.logger.Debug("Start control plane",
		zap.Duration("RefreshInterval", p.config.RefreshInterval),
		zap.Duration("SchedulerInterval", p.config.SchedulerInterval))

	p.waitGroup.Add(1)
	go p.loop()
	return nil
}

func (p *Plane) loop() {
	defer p.waitGroup.Done()
	defer p.logger.Debug("Done control plane loop")

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	p.Tick()
	for {
		select {
		case <-p.context.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick runs one cycle: refresh, alert check, and, once the scheduler interval has passed,
// the due tasks.
func (p *Plane) Tick() {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.now()

	p.inventory.Refresh()
	p.alerts.CheckAlerts(p.inventory.AllProcesses(), p.previousPids)
	p.previousPids = p.inventory.PidNames()

	if now.Sub(p.lastSchedulerCheck) >= p.config.SchedulerInterval {
		p.scheduler.CheckDueTasks(p.inventory, p.rules)
		p.lastSchedulerCheck = now
	}
}

func (p *Plane) Running() bool {
	return p.running.Load()
}

func (p *Plane) Stop() error {
	p.cancel()
	return nil
}

func (p *Plane) WaitUntilCompletion() {
	p.waitGroup.Wait() // Block until the loop is done.
	p.running.Store(false)
	p.rules.Close()
}

// persist saves tasks and alerts. Callers hold the lock.
func (p *Plane) persist() error {
	if p.config.AutomationPath == "" {
		return nil
	}
	return automationConfig.Save(p.config.AutomationPath, &automationConfig.Automation{
		Tasks:  p.scheduler.Tasks(),
		Alerts: p.alerts.Alerts(),
	})
}

func (p *Plane) Processes() []models.ProcessRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.Processes()
}

func (p *Plane) AllProcesses() []models.ProcessRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.AllProcesses()
}

func (p *Plane) SetFilter(mode, value string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.inventory.SetFilter(mode, value)
}

func (p *Plane) SetAdvancedFilterString(text string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.SetAdvancedFilterString(text)
}

func (p *Plane) AdvancedFilterString() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.AdvancedFilterString()
}

func (p *Plane) SetSort(key inventory.SortKey, ascending bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.SetSort(key, ascending)
}

func (p *Plane) SetNiceness(pid types.Pid, nice int) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.SetNiceness(pid, nice)
}

func (p *Plane) StopProcess(pid types.Pid) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.StopProcess(pid)
}

func (p *Plane) ContinueProcess(pid types.Pid) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.ContinueProcess(pid)
}

func (p *Plane) TerminateProcess(pid types.Pid) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.TerminateProcess(pid)
}

func (p *Plane) KillProcess(pid types.Pid) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.KillProcess(pid)
}

func (p *Plane) KillProcessAndChildren(pid types.Pid) ([]types.Pid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.KillProcessAndChildren(pid)
}

func (p *Plane) StartProcess(program string, args []string, workingDir string, env []string) (types.Pid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.StartProcess(program, args, workingDir, env)
}

func (p *Plane) RestartProcessByPattern(pattern string) ([]types.Pid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.RestartProcessByPattern(pattern)
}

func (p *Plane) CleanupIdleProcesses(cpuThreshold float64, memoryThreshold uint64, action string) ([]types.Pid, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.CleanupIdleProcesses(cpuThreshold, memoryThreshold, action)
}

// SetRule installs rule and applies it to the visible processes, returning how many match.
func (p *Plane) SetRule(rule string) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.rules.SetRule(rule); err != nil {
		return 0, err
	}
	return p.inventory.ApplyRules(p.rules), nil
}

func (p *Plane) Rule() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rules.Rule()
}

func (p *Plane) FilteredProcesses() []models.ProcessRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inventory.FilteredProcesses()
}

func (p *Plane) AddTask(task scheduler.ScheduledTask) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.scheduler.AddTask(task); err != nil {
		return err
	}
	return p.persist()
}

func (p *Plane) RemoveTask(index int) (scheduler.ScheduledTask, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	removed, err := p.scheduler.RemoveTask(index)
	if err != nil {
		return removed, err
	}
	return removed, p.persist()
}

func (p *Plane) ToggleTask(index int) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	enabled, err := p.scheduler.ToggleTask(index)
	if err != nil {
		return enabled, err
	}
	return enabled, p.persist()
}

func (p *Plane) Tasks() []scheduler.ScheduledTask {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.scheduler.Tasks()
}

func (p *Plane) TaskLog() []scheduler.LogEntry {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.scheduler.TaskLog()
}

func (p *Plane) AddAlert(alert alerts.Alert) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.alerts.AddAlert(alert); err != nil {
		return err
	}
	return p.persist()
}

func (p *Plane) RemoveAlert(index int) (alerts.Alert, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	removed, err := p.alerts.RemoveAlert(index)
	if err != nil {
		return removed, err
	}
	return removed, p.persist()
}

func (p *Plane) ToggleAlert(index int) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	enabled, err := p.alerts.ToggleAlert(index)
	if err != nil {
		return enabled, err
	}
	return enabled, p.persist()
}

func (p *Plane) Alerts() []alerts.Alert {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.alerts.Alerts()
}

func (p *Plane) ActiveAlerts() []alerts.ActiveAlert {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.alerts.ActiveAlerts()
}

func (p *Plane) ClearActiveAlert(index int) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.alerts.ClearActiveAlert(index)
}

func (p *Plane) ClearAllActiveAlerts() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.alerts.ClearAllActiveAlerts()
}
