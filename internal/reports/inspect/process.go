// Package inspect gathers the details of a single process that the snapshot does not carry.
package inspect

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/types"
	"github.com/shirou/gopsutil/process"
	"gopkg.in/guregu/null.v3"
)

const maxConnectionsLimit = 50

type ProcessReport struct {
	Pid            types.Pid `json:"pid"`
	MachineId      string    `json:"machine_id"`
	Name           string    `json:"name"`
	ExecutablePath string    `json:"executable_path"`
	CmdLine        string    `json:"cmd_line"`
	Cwd            string    `json:"cwd"`
	CreateTime     null.Time `json:"create_time"`
	MemPercent     float32   `json:"memory_percent"`
	NumThreads     int32     `json:"num_threads"`
	Connections    []string  `json:"connections"`
}

// Source is the subset of a gopsutil process the report reads.
type Source interface {
	NameWithContext(ctx context.Context) (string, error)
	ExeWithContext(ctx context.Context) (string, error)
	CmdlineWithContext(ctx context.Context) (string, error)
	CwdWithContext(ctx context.Context) (string, error)
	CreateTimeWithContext(ctx context.Context) (int64, error)
	MemoryPercentWithContext(ctx context.Context) (float32, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
}

// CollectProcessReport inspects a live local process.
func CollectProcessReport(ctx context.Context, machineId string, pid types.Pid) (*ProcessReport, error) {
	ps, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, lpmErrors.NotFound("process %d not found", pid)
	}

	processReport, err := NewProcessReport(ctx, machineId, pid, ps)
	if err != nil {
		return nil, err
	}

	// Connections need the gopsutil type itself, and may be denied for other users' processes.
	connections, err := listConnections(ctx, ps)
	if err == nil {
		processReport.Connections = connections
	}
	return processReport, nil
}

// NewProcessReport requires the name and the command line. Everything else is best effort,
// since most of it is unreadable for processes of other users.
func NewProcessReport(ctx context.Context, machineId string, pid types.Pid, ps Source) (*ProcessReport, error) {
	name, err := ps.NameWithContext(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "get process' name (pid: '%d')", pid)
	}

	cmdline, err := ps.CmdlineWithContext(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "get process' cmdline (pid: '%d')", pid)
	}

	processReport := &ProcessReport{
		Pid:         pid,
		MachineId:   machineId,
		Name:        name,
		CmdLine:     strings.TrimSpace(cmdline),
		Connections: []string{},
	}

	if executablePath, err := ps.ExeWithContext(ctx); err == nil {
		processReport.ExecutablePath = executablePath
	}
	if cwd, err := ps.CwdWithContext(ctx); err == nil {
		processReport.Cwd = cwd
	}
	if createTime, err := ps.CreateTimeWithContext(ctx); err == nil && createTime > 0 {
		processReport.CreateTime = null.TimeFrom(types.TimeFromMillisecondTimestamp(createTime))
	}
	if memPercent, err := ps.MemoryPercentWithContext(ctx); err == nil {
		processReport.MemPercent = memPercent
	}
	if numThreads, err := ps.NumThreadsWithContext(ctx); err == nil {
		processReport.NumThreads = numThreads
	}

	return processReport, nil
}

func listConnections(ctx context.Context, ps *process.Process) ([]string, error) {
	rawConnectionList, err := ps.ConnectionsMaxWithContext(ctx, maxConnectionsLimit)
	if err != nil {
		return nil, err
	}

	connections := make([]string, 0, len(rawConnectionList))
	for _, rawConnection := range rawConnectionList {
		connections = append(connections, rawConnection.String())
	}
	return connections, nil
}

func (p *ProcessReport) ReportName() string {
	return "process-report"
}

func (p *ProcessReport) DumpReport() ([]byte, error) {
	return json.Marshal(p)
}
