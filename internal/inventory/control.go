package inventory

import (
	"math"
	"strings"
	"syscall"
	"time"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	MinNice = -20
	MaxNice = 19

	lowerPriorityStep = 5
)

// MaxPid is the largest pid the kernel's signed pid_t holds. Above it kill(2) reads the value
// as a process group or as -1, every process the caller may signal.
const MaxPid = math.MaxInt32

// ValidatePid rejects pids that do not name a single process: 0 targets the caller's own
// process group (or, for setpriority, the caller itself).
func ValidatePid(pid types.Pid) error {
	if pid == 0 || pid > MaxPid {
		return lpmErrors.InvalidInput("invalid pid %d", pid)
	}
	return nil
}

// Actions accepted by CleanupIdleProcesses.
const (
	CleanupKill          = "kill"
	CleanupStop          = "stop"
	CleanupLowerPriority = "lower_priority"
)

// SetNiceness sets the nice value of pid. Negative values need an effective uid of 0.
func (inv *Inventory) SetNiceness(pid types.Pid, nice int) error {
	if err := ValidatePid(pid); err != nil {
		return err
	}
	if nice < MinNice || nice > MaxNice {
		return lpmErrors.InvalidInput("nice value %d is outside [%d, %d]", nice, MinNice, MaxNice)
	}
	if nice < 0 && !inv.system.Privileged() {
		return lpmErrors.PermissionDenied("setting negative nice value %d requires root", nice)
	}

	if err := inv.system.SetPriority(pid, nice); err != nil {
		return lpmErrors.OsError(err, "set nice value of pid %d", pid)
	}
	inv.logger.Debug("Set nice value", zap.Uint32("Pid", pid.Uint32()), zap.Int("Nice", nice))
	return nil
}

func (inv *Inventory) StopProcess(pid types.Pid) error {
	return inv.signal(pid, unix.SIGSTOP, "stop")
}

func (inv *Inventory) ContinueProcess(pid types.Pid) error {
	return inv.signal(pid, unix.SIGCONT, "continue")
}

func (inv *Inventory) TerminateProcess(pid types.Pid) error {
	return inv.signal(pid, unix.SIGTERM, "terminate")
}

func (inv *Inventory) KillProcess(pid types.Pid) error {
	return inv.signal(pid, unix.SIGKILL, "kill")
}

func (inv *Inventory) signal(pid types.Pid, signal syscall.Signal, verb string) error {
	if err := ValidatePid(pid); err != nil {
		return err
	}
	if err := inv.system.Signal(pid, signal); err != nil {
		return lpmErrors.OsError(err, "%s pid %d", verb, pid)
	}
	inv.logger.Debug("Sent signal", zap.Uint32("Pid", pid.Uint32()), zap.Stringer("Signal", signal))
	return nil
}

// KillProcessAndChildren kills the descendants of pid depth-first, each subtree before its next
// sibling, then pid itself. It returns the pids killed in order and stops at the first failure.
func (inv *Inventory) KillProcessAndChildren(pid types.Pid) ([]types.Pid, error) {
	if err := ValidatePid(pid); err != nil {
		return nil, err
	}

	children := make(map[types.Pid][]types.Pid)
	for i := range inv.all {
		if inv.all[i].ParentPid.Valid {
			parent := inv.all[i].ParentPidOrZero()
			children[parent] = append(children[parent], inv.all[i].Pid)
		}
	}

	killed := make([]types.Pid, 0)
	visited := make(map[types.Pid]struct{})
	err := inv.killTree(pid, children, visited, &killed)
	return killed, err
}

func (inv *Inventory) killTree(pid types.Pid, children map[types.Pid][]types.Pid, visited map[types.Pid]struct{}, killed *[]types.Pid) error {
	visited[pid] = struct{}{}

	for _, child := range children[pid] {
		// Pid reuse can make the parent links cyclic.
		if _, found := visited[child]; found {
			continue
		}
		if err := inv.killTree(child, children, visited, killed); err != nil {
			return err
		}
	}

	if err := inv.KillProcess(pid); err != nil {
		return err
	}
	*killed = append(*killed, pid)
	return nil
}

// StartProcess spawns program detached from the agent's std streams and returns its pid. The
// child is reaped on a later refresh.
func (inv *Inventory) StartProcess(program string, args []string, workingDir string, env []string) (types.Pid, error) {
	if strings.TrimSpace(program) == "" {
		return 0, lpmErrors.InvalidInput("no program to start")
	}

	child, err := inv.system.Spawn(Command{
		Program:    program,
		Args:       args,
		WorkingDir: workingDir,
		Env:        env,
	})
	if err != nil {
		return 0, lpmErrors.OsError(err, "start '%s'", program)
	}

	inv.children = append(inv.children, child)
	inv.logger.Info("Started process",
		zap.String("Program", program),
		zap.Strings("Args", args),
		zap.Uint32("Pid", child.Pid().Uint32()))
	return child.Pid(), nil
}

// RestartProcessByPattern kills every process whose name contains pattern and starts it again
// with the same command line. The result holds the pid of each new process, and the old pid of
// each process whose command line could not be read, which is only killed.
func (inv *Inventory) RestartProcessByPattern(pattern string) ([]types.Pid, error) {
	if pattern == "" {
		return nil, lpmErrors.InvalidInput("empty restart pattern")
	}

	type restartable struct {
		pid     types.Pid
		cmdline []string
	}

	restarted := make([]types.Pid, 0)
	pending := make([]restartable, 0)
	for _, record := range inv.automationTargets() {
		if !strings.Contains(record.Name, pattern) {
			continue
		}

		cmdline, err := inv.system.Cmdline(record.Pid)
		if err != nil {
			inv.logger.Warn("Command line unreadable, killing without restart",
				zap.Uint32("Pid", record.Pid.Uint32()),
				zap.String("Name", record.Name),
				zap.Error(err))
			if err := inv.KillProcess(record.Pid); err != nil {
				return restarted, err
			}
			restarted = append(restarted, record.Pid)
			continue
		}
		pending = append(pending, restartable{pid: record.Pid, cmdline: cmdline})
	}

	for _, target := range pending {
		if err := inv.KillProcess(target.pid); err != nil {
			inv.logger.Warn("Failed to kill process for restart", zap.Uint32("Pid", target.pid.Uint32()), zap.Error(err))
			continue
		}

		time.Sleep(inv.restartDelay)

		newPid, err := inv.StartProcess(target.cmdline[0], target.cmdline[1:], "", nil)
		if err != nil {
			inv.logger.Warn("Failed to respawn process", zap.Uint32("Pid", target.pid.Uint32()), zap.Error(err))
			continue
		}
		restarted = append(restarted, newPid)
	}

	return restarted, nil
}

// CleanupIdleProcesses applies action to every process using less CPU than cpuThreshold (percent)
// and more memory than memoryThreshold (bytes). It stops at the first failure.
func (inv *Inventory) CleanupIdleProcesses(cpuThreshold float64, memoryThreshold uint64, action string) ([]types.Pid, error) {
	var apply func(record *models.ProcessRecord) error
	switch action {
	case CleanupKill:
		apply = func(record *models.ProcessRecord) error { return inv.KillProcess(record.Pid) }
	case CleanupStop:
		apply = func(record *models.ProcessRecord) error { return inv.StopProcess(record.Pid) }
	case CleanupLowerPriority:
		apply = func(record *models.ProcessRecord) error {
			nice := record.Nice + lowerPriorityStep
			if nice > MaxNice {
				nice = MaxNice
			}
			return inv.SetNiceness(record.Pid, nice)
		}
	default:
		return nil, lpmErrors.InvalidInput("unknown cleanup action '%s'", action)
	}

	affected := make([]types.Pid, 0)
	for _, record := range inv.automationTargets() {
		if record.CPUUsage >= cpuThreshold || record.MemoryUsage <= memoryThreshold {
			continue
		}
		if err := apply(&record); err != nil {
			return affected, err
		}
		affected = append(affected, record.Pid)
	}

	inv.logger.Info("Cleaned up idle processes", zap.String("Action", action), zap.Int("Count", len(affected)))
	return affected, nil
}

// automationTargets is the unfiltered snapshot without the agent itself.
func (inv *Inventory) automationTargets() []models.ProcessRecord {
	targets := make([]models.ProcessRecord, 0, len(inv.all))
	for _, record := range inv.all {
		if record.Pid == inv.selfPid {
			continue
		}
		targets = append(targets, record)
	}
	return targets
}
