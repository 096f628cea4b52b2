package reports

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticReport struct {
	name string
	dump []byte
	err  error
}

func (s staticReport) ReportName() string          { return s.name }
func (s staticReport) DumpReport() ([]byte, error) { return s.dump, s.err }

func TestMergeReportsNestsByName(t *testing.T) {
	merged, err := MergeReports(
		staticReport{name: "a", dump: []byte(`{"x":1}`)},
		staticReport{name: "b", dump: []byte(`[1,2]`)},
	)
	require.NoError(t, err)

	encoded, err := json.Marshal(merged)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"x":1},"b":[1,2]}`, string(encoded))
}

func TestMergeReportsRejectsDuplicates(t *testing.T) {
	_, err := MergeReports(
		staticReport{name: "a", dump: []byte(`{}`)},
		staticReport{name: "a", dump: []byte(`{}`)},
	)
	assert.Error(t, err)
}

func TestMergeReportsPropagatesDumpErrors(t *testing.T) {
	_, err := MergeReports(staticReport{name: "a", err: errors.New("boom")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = MergeReports(staticReport{name: "a", dump: []byte(`{`)})
	assert.Error(t, err)
}
