// Package alerts watches process snapshots for threshold breaches and disappearances and keeps
// the resulting active alerts for a limited time.
package alerts

import (
	"strings"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"gopkg.in/guregu/null.v3"
)

type ConditionType string

const (
	ConditionCPUGreaterThan    ConditionType = "cpu_greater_than"
	ConditionMemoryGreaterThan ConditionType = "memory_greater_than"
	ConditionIOGreaterThan     ConditionType = "io_greater_than"
	ConditionProcessDied       ConditionType = "process_died"
)

// Condition is what an alert waits for. Only the fields of its Type are meaningful.
type Condition struct {
	Type              ConditionType `json:"type"`
	Threshold         float64       `json:"threshold,omitempty"`
	ThresholdMB       uint64        `json:"threshold_mb,omitempty"`
	ThresholdMBPerSec float64       `json:"threshold_mb_per_sec,omitempty"`
	DurationSecs      uint64        `json:"duration_secs,omitempty"`
	Pattern           string        `json:"pattern,omitempty"`
}

// CPUGreaterThan holds once a process stays above threshold percent for durationSecs.
func CPUGreaterThan(threshold float64, durationSecs uint64) Condition {
	return Condition{Type: ConditionCPUGreaterThan, Threshold: threshold, DurationSecs: durationSecs}
}

// MemoryGreaterThan holds once a process stays above thresholdMB for durationSecs.
func MemoryGreaterThan(thresholdMB uint64, durationSecs uint64) Condition {
	return Condition{Type: ConditionMemoryGreaterThan, ThresholdMB: thresholdMB, DurationSecs: durationSecs}
}

// IOGreaterThan is accepted and stored but never holds: per-process I/O rates are not collected.
func IOGreaterThan(thresholdMBPerSec float64, durationSecs uint64) Condition {
	return Condition{Type: ConditionIOGreaterThan, ThresholdMBPerSec: thresholdMBPerSec, DurationSecs: durationSecs}
}

// ProcessDied holds for a process that vanished between snapshots and whose name contains
// pattern ("*" matches every name).
func ProcessDied(pattern string) Condition {
	return Condition{Type: ConditionProcessDied, Pattern: pattern}
}

func (c Condition) Validate() error {
	switch c.Type {
	case ConditionCPUGreaterThan, ConditionMemoryGreaterThan, ConditionIOGreaterThan:
		return nil
	case ConditionProcessDied:
		if c.Pattern == "" {
			return lpmErrors.InvalidInput("process died condition needs a pattern")
		}
		return nil
	default:
		return lpmErrors.InvalidInput("unknown condition type '%s'", c.Type)
	}
}

type TargetType string

const (
	TargetTypeAll     TargetType = "all"
	TargetTypePattern TargetType = "pattern"
	TargetTypePid     TargetType = "pid"
)

// Target selects the processes a threshold condition is checked against.
type Target struct {
	Type    TargetType `json:"type"`
	Pattern string     `json:"pattern,omitempty"`
	Pid     types.Pid  `json:"pid,omitempty"`
}

func TargetAll() Target {
	return Target{Type: TargetTypeAll}
}

func TargetPattern(pattern string) Target {
	return Target{Type: TargetTypePattern, Pattern: pattern}
}

func TargetPid(pid types.Pid) Target {
	return Target{Type: TargetTypePid, Pid: pid}
}

func (t Target) Validate() error {
	switch t.Type {
	case TargetTypeAll, TargetTypePattern, TargetTypePid:
		return nil
	default:
		return lpmErrors.InvalidInput("unknown target type '%s'", t.Type)
	}
}

func (t Target) Matches(record *models.ProcessRecord) bool {
	switch t.Type {
	case TargetTypeAll:
		return true
	case TargetTypePattern:
		return strings.Contains(record.Name, t.Pattern)
	case TargetTypePid:
		return record.Pid == t.Pid
	default:
		return false
	}
}

type Alert struct {
	Name      string    `json:"name"`
	Condition Condition `json:"condition"`
	Target    Target    `json:"target"`
	Enabled   bool      `json:"enabled"`
}

func (a *Alert) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return lpmErrors.InvalidInput("alert has no name")
	}
	if err := a.Condition.Validate(); err != nil {
		return err
	}
	return a.Target.Validate()
}

// ActiveAlert is a fired alert, kept until it expires or is cleared.
type ActiveAlert struct {
	AlertName   string      `json:"alert_name"`
	TriggeredAt time.Time   `json:"triggered_at"`
	ProcessPid  null.Int    `json:"process_pid"`
	ProcessName null.String `json:"process_name"`
	Message     string      `json:"message"`
}

func (a *ActiveAlert) concerns(alertName string, pid types.Pid) bool {
	return a.AlertName == alertName && a.ProcessPid.Valid && types.Pid(a.ProcessPid.Int64) == pid
}
