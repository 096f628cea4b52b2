package filter

import (
	"fmt"
	"strconv"

	"github.com/procpilot/agent/internal/models"
)

// String and numeric views of a record are kept in separate tables: a field may appear in
// one, the other, or both. Unknown fields read as "" and 0.
var stringFields = map[string]func(*models.ProcessRecord) string{
	"name":   func(p *models.ProcessRecord) string { return p.Name },
	"user":   func(p *models.ProcessRecord) string { return p.User.ValueOrZero() },
	"status": func(p *models.ProcessRecord) string { return p.Status },
	"pid":    func(p *models.ProcessRecord) string { return p.Pid.String() },
	"ppid":   func(p *models.ProcessRecord) string { return p.ParentPidOrZero().String() },
	"nice":   func(p *models.ProcessRecord) string { return strconv.Itoa(p.Nice) },
	"cpu":    func(p *models.ProcessRecord) string { return fmt.Sprintf("%.1f", p.CPUUsage) },
	"memory": func(p *models.ProcessRecord) string { return strconv.FormatUint(p.MemoryMB(), 10) },

	"cgroup":    func(p *models.ProcessRecord) string { return p.Cgroup.ValueOrZero() },
	"container": func(p *models.ProcessRecord) string { return p.ContainerID.ValueOrZero() },
	"host":      func(p *models.ProcessRecord) string { return p.Host.ValueOrZero() },
}

var numericFields = map[string]func(*models.ProcessRecord) float64{
	"pid":    func(p *models.ProcessRecord) float64 { return float64(p.Pid) },
	"ppid":   func(p *models.ProcessRecord) float64 { return float64(p.ParentPidOrZero()) },
	"cpu":    func(p *models.ProcessRecord) float64 { return p.CPUUsage },
	"memory": func(p *models.ProcessRecord) float64 { return float64(p.MemoryMB()) },
	"nice":   func(p *models.ProcessRecord) float64 { return float64(p.Nice) },
}

func stringField(record *models.ProcessRecord, field string) string {
	accessor, found := stringFields[field]
	if !found {
		return ""
	}
	return accessor(record)
}

func numericField(record *models.ProcessRecord, field string) float64 {
	accessor, found := numericFields[field]
	if !found {
		return 0
	}
	return accessor(record)
}
