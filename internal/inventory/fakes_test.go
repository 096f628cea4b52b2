package inventory

import (
	"syscall"

	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

type fakeCollector struct {
	records []models.ProcessRecord
	err     error
}

func (c *fakeCollector) Collect() ([]models.ProcessRecord, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.records, nil
}

type sentSignal struct {
	pid    types.Pid
	signal syscall.Signal
}

type fakeSystem struct {
	privileged bool
	signals    []sentSignal
	priorities map[types.Pid]int
	failing    map[types.Pid]error
	cmdlines   map[types.Pid][]string
	spawned    []Command
	spawnErr   error
	nextPid    types.Pid
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		priorities: make(map[types.Pid]int),
		failing:    make(map[types.Pid]error),
		cmdlines:   make(map[types.Pid][]string),
		nextPid:    5000,
	}
}

func (s *fakeSystem) Signal(pid types.Pid, signal syscall.Signal) error {
	if err, found := s.failing[pid]; found {
		return err
	}
	s.signals = append(s.signals, sentSignal{pid: pid, signal: signal})
	return nil
}

func (s *fakeSystem) SetPriority(pid types.Pid, nice int) error {
	if err, found := s.failing[pid]; found {
		return err
	}
	s.priorities[pid] = nice
	return nil
}

func (s *fakeSystem) Privileged() bool {
	return s.privileged
}

func (s *fakeSystem) Cmdline(pid types.Pid) ([]string, error) {
	cmdline, found := s.cmdlines[pid]
	if !found {
		return nil, errors.Errorf("no cmdline for pid '%d'", pid)
	}
	return cmdline, nil
}

func (s *fakeSystem) Spawn(command Command) (Child, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	s.spawned = append(s.spawned, command)
	s.nextPid++
	return &fakeChild{pid: s.nextPid}, nil
}

func (s *fakeSystem) signalled() []types.Pid {
	pids := make([]types.Pid, 0, len(s.signals))
	for _, sent := range s.signals {
		pids = append(pids, sent.pid)
	}
	return pids
}

type fakeChild struct {
	pid    types.Pid
	exited bool
}

func (c *fakeChild) Pid() types.Pid {
	return c.pid
}

func (c *fakeChild) Exited() bool {
	return c.exited
}

func record(pid types.Pid, parent types.Pid, name string) models.ProcessRecord {
	r := models.ProcessRecord{
		Pid:    pid,
		Name:   name,
		Status: models.StatusSleeping,
	}
	if parent > 0 {
		r.ParentPid = null.IntFrom(int64(parent))
	}
	return r
}

// newTestInventory returns a refreshed inventory over records.
func newTestInventory(records ...models.ProcessRecord) (*Inventory, *fakeCollector, *fakeSystem) {
	collector := &fakeCollector{records: records}
	system := newFakeSystem()

	inv := NewInventory(zap.NewNop(), collector, system)
	inv.restartDelay = 0
	inv.selfPid = 0
	inv.Refresh()
	return inv, collector, system
}

func pidsOf(records []models.ProcessRecord) []types.Pid {
	pids := make([]types.Pid, 0, len(records))
	for _, r := range records {
		pids = append(pids, r.Pid)
	}
	return pids
}
