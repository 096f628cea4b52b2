// Package config persists the operator's automation (scheduled tasks and alerts) as a single
// JSON file and resolves the agent's cadence overrides from the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/alerts"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/scheduler"
	"go.uber.org/zap"
)

const (
	EnvConfigPath        = "PROCPILOT_CONFIG"
	EnvRefreshInterval   = "PROCPILOT_REFRESH_INTERVAL"
	EnvSchedulerInterval = "PROCPILOT_SCHEDULER_INTERVAL"

	defaultDirectory = ".procpilot"
	defaultFileName  = "automation.json"
)

// Automation is the persisted automation of the agent.
type Automation struct {
	Tasks  []scheduler.ScheduledTask `json:"tasks"`
	Alerts []alerts.Alert            `json:"alerts"`
}

type rawAutomation struct {
	Tasks  []json.RawMessage `json:"tasks"`
	Alerts []json.RawMessage `json:"alerts"`
}

// ResolvePath picks the automation file: the explicit path, then $PROCPILOT_CONFIG, then
// ~/.procpilot/automation.json.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, defaultDirectory, defaultFileName)
}

// Load reads the automation file at path. A missing file is an empty automation. Entries that
// do not decode or validate are skipped: the valid ones are returned together with an error
// listing the skipped ones. A nil Automation means the file could not be used at all.
func Load(path string) (*Automation, error) {
	automation := &Automation{
		Tasks:  make([]scheduler.ScheduledTask, 0),
		Alerts: make([]alerts.Alert, 0),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return automation, nil
	}
	if err != nil {
		return nil, lpmErrors.WrappedErrLoadConfig(err, path)
	}

	var raw rawAutomation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, lpmErrors.WrappedErrLoadConfig(lpmErrors.ParseError("invalid JSON: %v", err), path)
	}

	var errs error
	for i, entry := range raw.Tasks {
		var task scheduler.ScheduledTask
		if err := json.Unmarshal(entry, &task); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "task %d", i))
			continue
		}
		if err := task.Validate(); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "task %d ('%s')", i, task.Name))
			continue
		}
		automation.Tasks = append(automation.Tasks, task)
	}

	alertNames := make(map[string]struct{}, len(raw.Alerts))
	for i, entry := range raw.Alerts {
		var alert alerts.Alert
		if err := json.Unmarshal(entry, &alert); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "alert %d", i))
			continue
		}
		if err := alert.Validate(); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "alert %d ('%s')", i, alert.Name))
			continue
		}
		// The first alert of a name wins, as it would in the alert manager.
		if _, duplicate := alertNames[alert.Name]; duplicate {
			errs = multierror.Append(errs, lpmErrors.InvalidInput("alert %d: duplicate alert name '%s'", i, alert.Name))
			continue
		}
		alertNames[alert.Name] = struct{}{}
		automation.Alerts = append(automation.Alerts, alert)
	}

	if errs != nil {
		return automation, lpmErrors.WrappedErrLoadConfig(errs, path)
	}
	return automation, nil
}

// Save writes automation to path atomically: a temporary file in the same directory is renamed
// over the old one.
func Save(path string, automation *Automation) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}

	data, err := json.MarshalIndent(automation, "", "  ")
	if err != nil {
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}
	if err := tmp.Close(); err != nil {
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return lpmErrors.WrappedErrSaveConfig(err, path)
	}
	return nil
}

// Intervals are the cadences of the control plane.
type Intervals struct {
	Refresh   time.Duration
	Scheduler time.Duration
}

// WithEnvOverrides replaces intervals set in the environment as Go durations ("5s").
// Malformed or non-positive values are logged and ignored.
func (i Intervals) WithEnvOverrides(rootLogger *zap.Logger) Intervals {
	logger := rootLogger.Named("config")
	override(logger, EnvRefreshInterval, &i.Refresh)
	override(logger, EnvSchedulerInterval, &i.Scheduler)
	return i
}

func override(logger *zap.Logger, env string, target *time.Duration) {
	value := os.Getenv(env)
	if value == "" {
		return
	}

	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		logger.Warn("Ignoring invalid interval override",
			zap.String("Variable", env),
			zap.String("Value", value),
			zap.Error(err))
		return
	}
	*target = duration
}
