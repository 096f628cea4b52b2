// Package reports renders agent state as JSON documents for one-shot output.
package reports

type Report interface {
	ReportName() string
	DumpReport() ([]byte, error)
}
