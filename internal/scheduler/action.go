package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/inventory"
	"github.com/procpilot/agent/internal/types"
)

// Controller is the part of the process inventory that actions act on.
type Controller interface {
	KillProcess(pid types.Pid) error
	StopProcess(pid types.Pid) error
	ContinueProcess(pid types.Pid) error
	SetNiceness(pid types.Pid, nice int) error
	RestartProcessByPattern(pattern string) ([]types.Pid, error)
	StartProcess(program string, args []string, workingDir string, env []string) (types.Pid, error)
	CleanupIdleProcesses(cpuThreshold float64, memoryThreshold uint64, action string) ([]types.Pid, error)
	ApplyRules(evaluator inventory.RuleEvaluator) int
}

// RuleEngine holds the rule that apply-rule actions install.
type RuleEngine interface {
	inventory.RuleEvaluator
	SetRule(rule string) error
}

const bytesPerMegabyte = 1024 * 1024

type ActionType string

const (
	ActionKillProcess     ActionType = "kill_process"
	ActionStopProcess     ActionType = "stop_process"
	ActionContinueProcess ActionType = "continue_process"
	ActionReniceProcess   ActionType = "renice_process"
	ActionRestartProcess  ActionType = "restart_process"
	ActionStartProcess    ActionType = "start_process"
	ActionCleanupIdle     ActionType = "cleanup_idle"
	ActionApplyRule       ActionType = "apply_rule"
)

// Action is what a task does when it fires. Only the fields of its Type are meaningful.
// DurationSeconds of a cleanup is kept for configuration compatibility; idleness is judged
// from the current snapshot alone.
type Action struct {
	Type            ActionType `json:"type"`
	Pid             types.Pid  `json:"pid,omitempty"`
	Nice            int        `json:"nice,omitempty"`
	Pattern         string     `json:"pattern,omitempty"`
	Program         string     `json:"program,omitempty"`
	Args            []string   `json:"args,omitempty"`
	CPUThreshold    float64    `json:"cpu_threshold,omitempty"`
	MemoryThreshold uint64     `json:"memory_threshold,omitempty"`
	DurationSeconds uint64     `json:"duration_seconds,omitempty"`
	CleanupAction   string     `json:"action,omitempty"`
	Rule            string     `json:"rule,omitempty"`
}

func KillProcess(pid types.Pid) Action {
	return Action{Type: ActionKillProcess, Pid: pid}
}

func StopProcess(pid types.Pid) Action {
	return Action{Type: ActionStopProcess, Pid: pid}
}

func ContinueProcess(pid types.Pid) Action {
	return Action{Type: ActionContinueProcess, Pid: pid}
}

func ReniceProcess(pid types.Pid, nice int) Action {
	return Action{Type: ActionReniceProcess, Pid: pid, Nice: nice}
}

func RestartProcess(pattern string) Action {
	return Action{Type: ActionRestartProcess, Pattern: pattern}
}

func StartProcess(program string, args ...string) Action {
	return Action{Type: ActionStartProcess, Program: program, Args: args}
}

func CleanupIdle(cpuThreshold float64, memoryThreshold uint64, durationSeconds uint64, action string) Action {
	return Action{
		Type:            ActionCleanupIdle,
		CPUThreshold:    cpuThreshold,
		MemoryThreshold: memoryThreshold,
		DurationSeconds: durationSeconds,
		CleanupAction:   action,
	}
}

func ApplyRule(rule string) Action {
	return Action{Type: ActionApplyRule, Rule: rule}
}

func (a Action) Validate() error {
	switch a.Type {
	case ActionKillProcess, ActionStopProcess, ActionContinueProcess, ActionReniceProcess:
		if err := inventory.ValidatePid(a.Pid); err != nil {
			return errors.WithMessagef(err, "%s action", a.Type)
		}
	case ActionRestartProcess:
		if a.Pattern == "" {
			return lpmErrors.InvalidInput("restart action needs a pattern")
		}
	case ActionStartProcess:
		if strings.TrimSpace(a.Program) == "" {
			return lpmErrors.InvalidInput("start action needs a program")
		}
	case ActionCleanupIdle:
		switch a.CleanupAction {
		case inventory.CleanupKill, inventory.CleanupStop, inventory.CleanupLowerPriority:
		default:
			return lpmErrors.InvalidInput("unknown cleanup action '%s'", a.CleanupAction)
		}
	case ActionApplyRule:
	default:
		return lpmErrors.InvalidInput("unknown action type '%s'", a.Type)
	}
	return nil
}

// Execute runs the action and describes the outcome. Failures are described, not returned.
func (a Action) Execute(controller Controller, rules RuleEngine) string {
	switch a.Type {
	case ActionKillProcess:
		if err := controller.KillProcess(a.Pid); err != nil {
			return fmt.Sprintf("Error killing PID %d: %v", a.Pid, err)
		}
		return fmt.Sprintf("Killed process PID %d", a.Pid)
	case ActionStopProcess:
		if err := controller.StopProcess(a.Pid); err != nil {
			return fmt.Sprintf("Error stopping PID %d: %v", a.Pid, err)
		}
		return fmt.Sprintf("Stopped process PID %d", a.Pid)
	case ActionContinueProcess:
		if err := controller.ContinueProcess(a.Pid); err != nil {
			return fmt.Sprintf("Error continuing PID %d: %v", a.Pid, err)
		}
		return fmt.Sprintf("Continued process PID %d", a.Pid)
	case ActionReniceProcess:
		if err := controller.SetNiceness(a.Pid, a.Nice); err != nil {
			return fmt.Sprintf("Error renicing PID %d: %v", a.Pid, err)
		}
		return fmt.Sprintf("Reniced PID %d to %d", a.Pid, a.Nice)
	case ActionRestartProcess:
		pids, err := controller.RestartProcessByPattern(a.Pattern)
		if err != nil {
			return fmt.Sprintf("Error restarting processes matching '%s': %v", a.Pattern, err)
		}
		if len(pids) == 0 {
			return fmt.Sprintf("No processes found matching '%s' to restart", a.Pattern)
		}
		return fmt.Sprintf("Restarted %d process(es) matching '%s'", len(pids), a.Pattern)
	case ActionStartProcess:
		pid, err := controller.StartProcess(a.Program, a.Args, "", nil)
		if err != nil {
			return fmt.Sprintf("Error starting '%s': %v", a.Program, err)
		}
		return fmt.Sprintf("Started process '%s' (PID: %d)", a.Program, pid)
	case ActionCleanupIdle:
		pids, err := controller.CleanupIdleProcesses(a.CPUThreshold, a.MemoryThreshold, a.CleanupAction)
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("Cleaned up %d idle processes", len(pids))
	case ActionApplyRule:
		if err := rules.SetRule(a.Rule); err != nil {
			return fmt.Sprintf("Error applying rule: %v", err)
		}
		return fmt.Sprintf("Rule applied (%d matching)", controller.ApplyRules(rules))
	default:
		return fmt.Sprintf("Unknown action '%s'", a.Type)
	}
}

// Describe is a short human-readable summary of the action.
func (a Action) Describe() string {
	switch a.Type {
	case ActionKillProcess:
		return fmt.Sprintf("Kill PID: %d", a.Pid)
	case ActionStopProcess:
		return fmt.Sprintf("Stop PID: %d", a.Pid)
	case ActionContinueProcess:
		return fmt.Sprintf("Continue PID: %d", a.Pid)
	case ActionReniceProcess:
		return fmt.Sprintf("Renice PID: %d to %d", a.Pid, a.Nice)
	case ActionRestartProcess:
		return "Restart: " + a.Pattern
	case ActionStartProcess:
		if len(a.Args) == 0 {
			return "Start: " + a.Program
		}
		return "Start: " + a.Program + " " + strings.Join(a.Args, " ")
	case ActionCleanupIdle:
		return fmt.Sprintf("Cleanup: CPU<%s%%, MEM>%dMB, %s",
			strconv.FormatFloat(a.CPUThreshold, 'g', -1, 64), a.MemoryThreshold/bytesPerMegabyte, a.CleanupAction)
	case ActionApplyRule:
		return "Rule: " + a.Rule
	default:
		return string(a.Type)
	}
}
