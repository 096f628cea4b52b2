package models

import (
	"time"

	"github.com/procpilot/agent/internal/types"
	"gopkg.in/guregu/null.v3"
)

// Process states as reported in ProcessRecord.Status.
const (
	StatusRunning     = "Running"
	StatusSleeping    = "Sleeping"
	StatusDiskSleep   = "Disk Sleep"
	StatusZombie      = "Zombie"
	StatusStopped     = "Stopped"
	StatusTracingStop = "Tracing Stop"
	StatusDead        = "Dead"
	StatusWakekill    = "Wakekill"
	StatusWaking      = "Waking"
	StatusParked      = "Parked"
	StatusIdle        = "Idle"
	StatusLock        = "Lock"
)

const bytesPerMegabyte = 1024 * 1024

// ProcessRecord is one OS process as seen by a single refresh.
type ProcessRecord struct {
	Pid          types.Pid         `json:"pid"`
	ParentPid    null.Int          `json:"parent_pid"`
	Name         string            `json:"name"`
	CPUUsage     float64           `json:"cpu_usage"`
	MemoryUsage  uint64            `json:"memory_usage"`
	Status       string            `json:"status"`
	User         null.String       `json:"user"`
	Nice         int               `json:"nice"`
	StartTime    string            `json:"start_time"`
	CreateTime   time.Time         `json:"create_time"`
	Cgroup       null.String       `json:"cgroup"`
	ContainerID  null.String       `json:"container_id"`
	NamespaceIDs map[string]uint64 `json:"namespace_ids,omitempty"`
	Host         null.String       `json:"host"`
}

// MemoryMB is the resident memory in whole megabytes.
func (p *ProcessRecord) MemoryMB() uint64 {
	return p.MemoryUsage / bytesPerMegabyte
}

// ParentPidOrZero returns the parent pid, or 0 when it is unknown.
func (p *ProcessRecord) ParentPidOrZero() types.Pid {
	if !p.ParentPid.Valid {
		return 0
	}
	return types.Pid(p.ParentPid.Int64)
}

func (p *ProcessRecord) HasParent(pid types.Pid) bool {
	return p.ParentPid.Valid && types.Pid(p.ParentPid.Int64) == pid
}

// Local reports whether the record was enumerated on this machine.
func (p *ProcessRecord) Local() bool {
	return !p.Host.Valid
}

// Clone returns a deep copy, so callers may not alias the namespace map of a snapshot.
func (p ProcessRecord) Clone() ProcessRecord {
	if p.NamespaceIDs != nil {
		namespaces := make(map[string]uint64, len(p.NamespaceIDs))
		for nsType, inode := range p.NamespaceIDs {
			namespaces[nsType] = inode
		}
		p.NamespaceIDs = namespaces
	}
	return p
}

// StatusFromState maps a kernel state letter to its textual name.
func StatusFromState(state string) string {
	switch state {
	case "R":
		return StatusRunning
	case "S":
		return StatusSleeping
	case "D":
		return StatusDiskSleep
	case "Z":
		return StatusZombie
	case "T":
		return StatusStopped
	case "t":
		return StatusTracingStop
	case "X", "x":
		return StatusDead
	case "K":
		return StatusWakekill
	case "W":
		return StatusWaking
	case "P":
		return StatusParked
	case "I":
		return StatusIdle
	case "L":
		return StatusLock
	case "":
		return "Unknown"
	default:
		return "Unknown(" + state + ")"
	}
}

// EffectiveStatus reports a sleeping or idle process that is using CPU as running, since the
// raw state can lag behind reality.
func EffectiveStatus(raw string, cpuUsage float64) string {
	if cpuUsage > 0 && (raw == StatusSleeping || raw == "Sleep" || raw == StatusIdle) {
		return StatusRunning
	}
	return raw
}
