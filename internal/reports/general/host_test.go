package general

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shirou/gopsutil/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHostReport(t *testing.T) {
	hostReport := NewHostReport("machine", &host.InfoStat{
		Hostname:      "box",
		BootTime:      1700000000,
		Uptime:        42,
		Procs:         7,
		OS:            "linux",
		KernelVersion: "6.1.0",
	})

	assert.Equal(t, "host-report", hostReport.ReportName())
	assert.Equal(t, "machine", hostReport.MachineId)
	assert.Equal(t, "box", hostReport.Hostname)
	assert.Equal(t, uint64(7), hostReport.ProcessCount)
	require.True(t, hostReport.LastBootTime.Valid)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), hostReport.LastBootTime.Time)

	dump, err := hostReport.DumpReport()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(dump, &decoded))
	assert.Equal(t, "6.1.0", decoded["kernel_version"])
	assert.Equal(t, float64(42), decoded["uptime_seconds"])
}

func TestNewHostReportWithoutBootTime(t *testing.T) {
	hostReport := NewHostReport("machine", &host.InfoStat{})
	assert.False(t, hostReport.LastBootTime.Valid)

	dump, err := hostReport.DumpReport()
	require.NoError(t, err)
	assert.Contains(t, string(dump), `"last_boot_time":null`)
}
