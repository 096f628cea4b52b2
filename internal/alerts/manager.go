package alerts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

// ActiveAlertTTL is how long a fired alert stays active.
const ActiveAlertTTL = 5 * time.Minute

type trackingKey struct {
	alertName string
	pid       types.Pid
}

// breach is an ongoing threshold violation.
type breach struct {
	since        time.Time
	observations uint32
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is not safe for concurrent use.
type Manager struct {
	logger   *zap.Logger
	alerts   []Alert
	active   []ActiveAlert
	tracking map[trackingKey]*breach
	now      func() time.Time
}

func NewManager(rootLogger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   rootLogger.Named("alert-manager"),
		alerts:   make([]Alert, 0),
		active:   make([]ActiveAlert, 0),
		tracking: make(map[trackingKey]*breach),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddAlert rejects an alert whose name is taken: breach tracking and active alerts are keyed by
// alert name and pid.
func (m *Manager) AddAlert(alert Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	for i := range m.alerts {
		if m.alerts[i].Name == alert.Name {
			return lpmErrors.InvalidInput("an alert named '%s' already exists", alert.Name)
		}
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *Manager) RemoveAlert(index int) (Alert, error) {
	if index < 0 || index >= len(m.alerts) {
		return Alert{}, lpmErrors.NotFound("no alert at index %d", index)
	}
	removed := m.alerts[index]
	m.alerts = append(m.alerts[:index], m.alerts[index+1:]...)
	return removed, nil
}

// ToggleAlert flips the enabled flag of the alert at index and returns the new value.
func (m *Manager) ToggleAlert(index int) (bool, error) {
	if index < 0 || index >= len(m.alerts) {
		return false, lpmErrors.NotFound("no alert at index %d", index)
	}
	m.alerts[index].Enabled = !m.alerts[index].Enabled
	return m.alerts[index].Enabled, nil
}

func (m *Manager) Alerts() []Alert {
	alerts := make([]Alert, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}

func (m *Manager) ActiveAlerts() []ActiveAlert {
	active := make([]ActiveAlert, len(m.active))
	copy(active, m.active)
	return active
}

func (m *Manager) ClearActiveAlert(index int) error {
	if index < 0 || index >= len(m.active) {
		return lpmErrors.NotFound("no active alert at index %d", index)
	}
	m.active = append(m.active[:index], m.active[index+1:]...)
	return nil
}

func (m *Manager) ClearAllActiveAlerts() {
	m.active = m.active[:0]
}

// CheckAlerts evaluates every enabled alert against the current snapshot. previous maps the
// pids of the preceding snapshot to their names and is used to detect processes that died.
// It returns the alerts fired by this check.
func (m *Manager) CheckAlerts(processes []models.ProcessRecord, previous map[types.Pid]string) []ActiveAlert {
	now := m.now()
	fired := make([]ActiveAlert, 0)

	current := make(map[types.Pid]struct{}, len(processes))
	for i := range processes {
		current[processes[i].Pid] = struct{}{}
	}

	for i := range m.alerts {
		alert := &m.alerts[i]
		if !alert.Enabled || alert.Condition.Type != ConditionProcessDied {
			continue
		}
		fired = append(fired, m.checkDied(alert, current, previous, now)...)
	}

	for i := range m.alerts {
		alert := &m.alerts[i]
		if !alert.Enabled || alert.Condition.Type == ConditionProcessDied {
			continue
		}
		for j := range processes {
			if !alert.Target.Matches(&processes[j]) {
				continue
			}
			if active, triggered := m.checkThreshold(alert, &processes[j], now); triggered {
				fired = append(fired, active)
			}
		}
	}

	m.pruneTracking(current)
	m.expire(now)

	for _, active := range fired {
		m.logger.Info("Alert triggered",
			zap.String("AlertName", active.AlertName),
			zap.Int64("Pid", active.ProcessPid.Int64),
			zap.String("Message", active.Message))
	}
	return fired
}

func (m *Manager) checkDied(alert *Alert, current map[types.Pid]struct{}, previous map[types.Pid]string, now time.Time) []ActiveAlert {
	gone := make([]types.Pid, 0)
	for pid, name := range previous {
		if _, alive := current[pid]; alive {
			continue
		}
		if alert.Condition.Pattern == "*" || strings.Contains(name, alert.Condition.Pattern) {
			gone = append(gone, pid)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	fired := make([]ActiveAlert, 0)
	for _, pid := range gone {
		if m.isActive(alert.Name, pid) {
			continue
		}
		name := previous[pid]
		fired = append(fired, m.fire(alert.Name, pid, name, fmt.Sprintf("Process %s (%d) died", name, pid), now))
	}
	return fired
}

func (m *Manager) checkThreshold(alert *Alert, record *models.ProcessRecord, now time.Time) (ActiveAlert, bool) {
	key := trackingKey{alertName: alert.Name, pid: record.Pid}
	condition := alert.Condition

	var exceeded bool
	var message string
	switch condition.Type {
	case ConditionCPUGreaterThan:
		exceeded = record.CPUUsage > condition.Threshold
		message = fmt.Sprintf("%s: Process %s (PID: %d) CPU > %s%% for threshold duration",
			alert.Name, record.Name, record.Pid, strconv.FormatFloat(condition.Threshold, 'g', -1, 64))
	case ConditionMemoryGreaterThan:
		exceeded = record.MemoryMB() > condition.ThresholdMB
		message = fmt.Sprintf("%s: Process %s (PID: %d) Memory > %dMB for threshold duration",
			alert.Name, record.Name, record.Pid, condition.ThresholdMB)
	default:
		return ActiveAlert{}, false
	}

	if !exceeded {
		delete(m.tracking, key)
		return ActiveAlert{}, false
	}

	tracked, found := m.tracking[key]
	if !found {
		tracked = &breach{since: now}
		m.tracking[key] = tracked
	}
	tracked.observations++

	if !sustained(tracked.since, now, condition.DurationSecs) || m.isActive(alert.Name, record.Pid) {
		return ActiveAlert{}, false
	}
	m.logger.Debug("Threshold sustained",
		zap.String("AlertName", alert.Name),
		zap.Uint32("Pid", record.Pid.Uint32()),
		zap.Uint32("Observations", tracked.observations))
	return m.fire(alert.Name, record.Pid, record.Name, message, now), true
}

// sustained compares whole elapsed seconds, so a breach first seen at t holds for duration d
// from t+d on.
func sustained(since, now time.Time, durationSecs uint64) bool {
	if now.Before(since) {
		return false
	}
	return uint64(now.Sub(since)/time.Second) >= durationSecs
}

func (m *Manager) fire(alertName string, pid types.Pid, processName, message string, now time.Time) ActiveAlert {
	active := ActiveAlert{
		AlertName:   alertName,
		TriggeredAt: now,
		ProcessPid:  null.IntFrom(int64(pid)),
		ProcessName: null.StringFrom(processName),
		Message:     message,
	}
	m.active = append(m.active, active)
	return active
}

func (m *Manager) isActive(alertName string, pid types.Pid) bool {
	for i := range m.active {
		if m.active[i].concerns(alertName, pid) {
			return true
		}
	}
	return false
}

// pruneTracking forgets breaches of processes that are gone and of alerts that are no longer
// enabled.
func (m *Manager) pruneTracking(current map[types.Pid]struct{}) {
	enabled := make(map[string]struct{}, len(m.alerts))
	for i := range m.alerts {
		if m.alerts[i].Enabled {
			enabled[m.alerts[i].Name] = struct{}{}
		}
	}

	for key := range m.tracking {
		_, alive := current[key.pid]
		_, watched := enabled[key.alertName]
		if !alive || !watched {
			delete(m.tracking, key)
		}
	}
}

func (m *Manager) expire(now time.Time) {
	cutoff := now.Add(-ActiveAlertTTL)
	kept := m.active[:0]
	for _, active := range m.active {
		if active.TriggeredAt.After(cutoff) {
			kept = append(kept, active)
		}
	}
	m.active = kept
}
