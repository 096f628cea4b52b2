package models

import (
	"github.com/procpilot/agent/internal/types"
	"gopkg.in/guregu/null.v3"
)

// RemoteProcess is the snapshot row published by a remote peer. It mirrors ProcessRecord
// without the provenance fields.
type RemoteProcess struct {
	Pid         uint32  `json:"pid"`
	ParentPid   *uint32 `json:"parent_pid"`
	Name        string  `json:"name"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
	Status      string  `json:"status"`
	User        *string `json:"user"`
	Nice        int     `json:"nice"`
	StartTime   string  `json:"start_time"`
	Host        string  `json:"host"`
}

// ToRecord converts a remote row into an ordinary record attributed to host. An empty host
// falls back to the row's own host field.
func (r *RemoteProcess) ToRecord(host string) ProcessRecord {
	if host == "" {
		host = r.Host
	}

	record := ProcessRecord{
		Pid:         types.Pid(r.Pid),
		Name:        r.Name,
		CPUUsage:    r.CPUUsage,
		MemoryUsage: r.MemoryUsage,
		Status:      r.Status,
		Nice:        r.Nice,
		StartTime:   r.StartTime,
		Host:        null.NewString(host, host != ""),
	}
	if r.ParentPid != nil {
		record.ParentPid = null.IntFrom(int64(*r.ParentPid))
	}
	if r.User != nil {
		record.User = null.StringFrom(*r.User)
	}
	return record
}

func RecordsFromRemote(host string, rows []RemoteProcess) []ProcessRecord {
	records := make([]ProcessRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].ToRecord(host))
	}
	return records
}

// RemoteFromRecord is the row a peer publishes for record. Provenance is not published.
func RemoteFromRecord(record *ProcessRecord, host string) RemoteProcess {
	row := RemoteProcess{
		Pid:         record.Pid.Uint32(),
		Name:        record.Name,
		CPUUsage:    record.CPUUsage,
		MemoryUsage: record.MemoryUsage,
		Status:      record.Status,
		Nice:        record.Nice,
		StartTime:   record.StartTime,
		Host:        host,
	}
	if record.ParentPid.Valid {
		ppid := uint32(record.ParentPid.Int64)
		row.ParentPid = &ppid
	}
	if record.User.Valid {
		user := record.User.String
		row.User = &user
	}
	return row
}
