package inventory

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/models"
	"github.com/procpilot/agent/internal/types"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"
)

const startTimeLayout = "15:04:05"

// SystemCollector enumerates local processes through gopsutil, enriched from procfs where it is
// readable.
type SystemCollector struct {
	logger  *zap.Logger
	procfs  *procFS
	numCPU  int
	handles map[int32]*trackedProcess
}

// trackedProcess keeps a gopsutil handle between refreshes so CPU usage is measured as a rate
// since the previous refresh. createTime detects pid reuse.
type trackedProcess struct {
	handle     *process.Process
	createTime int64
}

func NewSystemCollector(rootLogger *zap.Logger) (*SystemCollector, error) {
	numCPU, err := cpu.Counts(true)
	if err != nil {
		return nil, errors.WithMessage(err, "count logical cpus")
	}
	if numCPU < 1 {
		numCPU = 1
	}

	return &SystemCollector{
		logger:  rootLogger.Named("process-collector"),
		procfs:  newProcFS(defaultProcRoot),
		numCPU:  numCPU,
		handles: make(map[int32]*trackedProcess),
	}, nil
}

func (c *SystemCollector) Collect() ([]models.ProcessRecord, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, errors.WithMessage(err, "list pids")
	}

	var errs error
	seen := make(map[int32]struct{}, len(pids))
	records := make([]models.ProcessRecord, 0, len(pids))
	for _, pid := range pids {
		record, err := c.collect(pid)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		seen[pid] = struct{}{}
		records = append(records, record)
	}

	for pid := range c.handles {
		if _, found := seen[pid]; !found {
			delete(c.handles, pid)
		}
	}

	if errs != nil {
		c.logger.Debug("Skipped unreadable processes", zap.Error(errs))
	}
	return records, nil
}

func (c *SystemCollector) collect(pid int32) (models.ProcessRecord, error) {
	tracked, err := c.track(pid)
	if err != nil {
		return models.ProcessRecord{}, err
	}
	handle := tracked.handle

	name, err := handle.Name()
	if err != nil {
		return models.ProcessRecord{}, errors.WithMessagef(err, "get name of pid '%d'", pid)
	}

	var cpuUsage float64
	if percent, err := handle.Percent(0); err == nil {
		cpuUsage = percent / float64(c.numCPU)
	}

	var memoryUsage uint64
	if memoryInfo, err := handle.MemoryInfo(); err == nil {
		memoryUsage = memoryInfo.RSS
	}

	parentPid := null.Int{}
	if ppid, err := handle.Ppid(); err == nil && ppid > 0 {
		parentPid = null.IntFrom(int64(ppid))
	}

	user := null.String{}
	if username, err := handle.Username(); err == nil && username != "" {
		user = null.StringFrom(username)
	}

	createTime := types.TimeFromMillisecondTimestamp(tracked.createTime)

	record := models.ProcessRecord{
		Pid:         types.Pid(pid),
		ParentPid:   parentPid,
		Name:        name,
		CPUUsage:    cpuUsage,
		MemoryUsage: memoryUsage,
		Status:      models.EffectiveStatus(c.status(pid, handle), cpuUsage),
		User:        user,
		Nice:        c.priority(pid, handle),
		StartTime:   createTime.Local().Format(startTimeLayout),
		CreateTime:  createTime,
	}

	if cgroup, found := c.procfs.cgroup(pid); found {
		record.Cgroup = null.StringFrom(cgroup)
		if containerID, found := containerID(cgroup); found {
			record.ContainerID = null.StringFrom(containerID)
		}
	}
	if namespaces, found := c.procfs.namespaceIDs(pid); found {
		record.NamespaceIDs = namespaces
	}

	return record, nil
}

// track returns the cached handle for pid, replacing it when the pid was reused.
func (c *SystemCollector) track(pid int32) (*trackedProcess, error) {
	handle, err := process.NewProcess(pid)
	if err != nil {
		return nil, errors.WithMessagef(err, "open pid '%d'", pid)
	}
	createTime, err := handle.CreateTime()
	if err != nil {
		return nil, errors.WithMessagef(err, "get create time of pid '%d'", pid)
	}

	if tracked, found := c.handles[pid]; found && tracked.createTime == createTime {
		return tracked, nil
	}

	tracked := &trackedProcess{handle: handle, createTime: createTime}
	c.handles[pid] = tracked
	return tracked, nil
}

// priority prefers the nice value of /proc/<pid>/stat and falls back to gopsutil.
func (c *SystemCollector) priority(pid int32, handle *process.Process) int {
	if stat, found := c.procfs.stat(pid); found {
		return stat.nice
	}
	if nice, err := handle.Nice(); err == nil {
		return int(nice)
	}
	return 0
}

// status prefers the state letter of /proc/<pid>/stat and falls back to gopsutil.
func (c *SystemCollector) status(pid int32, handle *process.Process) string {
	if stat, found := c.procfs.stat(pid); found {
		return models.StatusFromState(stat.state)
	}
	state, err := handle.Status()
	if err != nil {
		return models.StatusFromState("")
	}
	return models.StatusFromState(state)
}
