package inventory

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/types"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// System is the OS surface the control operations act through.
type System interface {
	Signal(pid types.Pid, signal syscall.Signal) error
	SetPriority(pid types.Pid, nice int) error
	// Privileged reports whether the effective uid may raise priorities.
	Privileged() bool
	Cmdline(pid types.Pid) ([]string, error)
	Spawn(command Command) (Child, error)
}

// Command describes a program to start. Env entries (KEY=VALUE) are added to the inherited
// environment.
type Command struct {
	Program    string
	Args       []string
	WorkingDir string
	Env        []string
}

// Child is a process spawned by the agent, kept until its exit status is collected.
type Child interface {
	Pid() types.Pid
	// Exited collects the exit status without blocking and reports whether the child is gone.
	Exited() bool
}

type unixSystem struct{}

func NewSystem() System {
	return unixSystem{}
}

func (unixSystem) Signal(pid types.Pid, signal syscall.Signal) error {
	return unix.Kill(pid.Int(), signal)
}

func (unixSystem) SetPriority(pid types.Pid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid.Int(), nice)
}

func (unixSystem) Privileged() bool {
	return unix.Geteuid() == 0
}

func (unixSystem) Cmdline(pid types.Pid) ([]string, error) {
	handle, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	cmdline, err := handle.CmdlineSlice()
	if err != nil {
		return nil, err
	}
	if len(cmdline) == 0 || cmdline[0] == "" {
		return nil, errors.Errorf("empty command line for pid '%d'", pid)
	}
	return cmdline, nil
}

func (unixSystem) Spawn(command Command) (Child, error) {
	cmd := exec.Command(command.Program, command.Args...)
	cmd.Dir = command.WorkingDir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	// Nil std streams are connected to the null device.
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &spawnedChild{cmd: cmd}, nil
}

type spawnedChild struct {
	cmd *exec.Cmd
}

func (c *spawnedChild) Pid() types.Pid {
	return types.Pid(c.cmd.Process.Pid)
}

func (c *spawnedChild) Exited() bool {
	var status unix.WaitStatus
	pid, err := unix.Wait4(c.cmd.Process.Pid, &status, unix.WNOHANG, nil)
	if err == unix.EINTR {
		return false
	}
	if err != nil || pid == c.cmd.Process.Pid {
		_ = c.cmd.Process.Release()
		return true
	}
	return false
}
