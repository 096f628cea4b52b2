package general

import (
	"encoding/json"
	"time"

	"github.com/procpilot/agent/internal/models"
	"gopkg.in/guregu/null.v3"
)

// ProcessListReport publishes a snapshot in the same row format remote peers use.
type ProcessListReport struct {
	MachineId   string                 `json:"machine_id"`
	Filter      null.String            `json:"filter"`
	GeneratedAt time.Time              `json:"generated_at"`
	List        []models.RemoteProcess `json:"processes"`
}

func NewProcessListReport(machineId, hostname string, filter string, records []models.ProcessRecord, generatedAt time.Time) *ProcessListReport {
	rows := make([]models.RemoteProcess, 0, len(records))
	for i := range records {
		rows = append(rows, models.RemoteFromRecord(&records[i], hostname))
	}

	return &ProcessListReport{
		MachineId:   machineId,
		Filter:      null.NewString(filter, filter != ""),
		GeneratedAt: generatedAt.UTC(),
		List:        rows,
	}
}

func (p *ProcessListReport) ReportName() string {
	return "process-list-report"
}

func (p *ProcessListReport) DumpReport() ([]byte, error) {
	return json.Marshal(p)
}
