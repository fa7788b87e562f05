package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	r := New()
	r.Signal("late_invoice_risk", "created")
	r.Signal("late_invoice_risk", "created")
	r.Signal("support_churn_flag", "failed")
	r.Rule("triggered")
	r.Narrative("pattern", "saved")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SignalsComputed.WithLabelValues("late_invoice_risk", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SignalsComputed.WithLabelValues("support_churn_flag", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RulesEvaluated.WithLabelValues("triggered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.NarrativesCreated.WithLabelValues("pattern", "saved")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.Signal("x", "created")
		r.Rule("quiet")
		r.Narrative("rule", "saved")
		r.Step("compute", time.Second, nil)
	})
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.Step("compute", 20*time.Millisecond, nil)
	r.Step("synthesize", time.Millisecond, errors.New("boom"))

	path := filepath.Join(t.TempDir(), "nour.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `nour_step_duration_seconds_count{result="success",step="compute"} 1`)
	assert.Contains(t, string(data), `result="error",step="synthesize"`)
}
