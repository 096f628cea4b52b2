package general

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/procpilot/agent/internal/types"
	"github.com/shirou/gopsutil/host"
	"gopkg.in/guregu/null.v3"
)

type HostReport struct {
	MachineId            string    `json:"machine_id"`
	Hostname             string    `json:"hostname"`
	LastBootTime         null.Time `json:"last_boot_time"`
	UptimeSeconds        uint64    `json:"uptime_seconds"`
	ProcessCount         uint64    `json:"process_count"`
	OS                   string    `json:"os"`
	Platform             string    `json:"platform"`
	PlatformFamily       string    `json:"platform_family"`
	PlatformVersion      string    `json:"platform_version"`
	KernelVersion        string    `json:"kernel_version"`
	KernelArch           string    `json:"kernel_arch"`
	VirtualizationSystem string    `json:"virtualization_system"`
	VirtualizationRole   string    `json:"virtualization_role"`
}

// CollectHostReport reads the local host's info.
func CollectHostReport(machineId string) (*HostReport, error) {
	hostInfo, err := host.Info()
	if err != nil {
		return nil, errors.WithMessage(err, "get host info")
	}
	return NewHostReport(machineId, hostInfo), nil
}

func NewHostReport(machineId string, hostInfo *host.InfoStat) *HostReport {
	hostReport := &HostReport{
		MachineId:            machineId,
		Hostname:             hostInfo.Hostname,
		UptimeSeconds:        hostInfo.Uptime,
		ProcessCount:         hostInfo.Procs,
		OS:                   hostInfo.OS,
		Platform:             hostInfo.Platform,
		PlatformFamily:       hostInfo.PlatformFamily,
		PlatformVersion:      hostInfo.PlatformVersion,
		KernelVersion:        hostInfo.KernelVersion,
		KernelArch:           hostInfo.KernelArch,
		VirtualizationSystem: hostInfo.VirtualizationSystem,
		VirtualizationRole:   hostInfo.VirtualizationRole,
	}
	if hostInfo.BootTime > 0 {
		hostReport.LastBootTime = null.TimeFrom(types.TimeFromTimestamp(int64(hostInfo.BootTime)))
	}
	return hostReport
}

func (h *HostReport) ReportName() string {
	return "host-report"
}

func (h *HostReport) DumpReport() ([]byte, error) {
	return json.Marshal(h)
}
