package reports

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MergeReports nests every report under its name in a single document.
func MergeReports(reports ...Report) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(reports))

	for _, report := range reports {
		reportName := report.ReportName()
		if _, exists := merged[reportName]; exists {
			return nil, errors.Errorf("duplicate report '%s'", reportName)
		}

		reportDump, err := report.DumpReport()
		if err != nil {
			return nil, errors.WithMessagef(err, "dump report '%s'", reportName)
		}
		if !json.Valid(reportDump) {
			return nil, errors.Errorf("report '%s' is not valid JSON", reportName)
		}

		merged[reportName] = reportDump
	}

	return merged, nil
}
