package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCustodyStepFailuresCounted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCustodyStep("mint", 1.2, false)
	m.ObserveCustodyStep("transfer", 3.4, true)
	m.ObserveCustodyStep("transfer", 2.0, true)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.CustodyStepFailures.WithLabelValues("mint")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CustodyStepFailures.WithLabelValues("transfer")))
}

func TestIndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.IncrementIssuance("issued")
	b.IncrementIssuance("duplicate")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.IssuanceOutcomes.WithLabelValues("issued")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.IssuanceOutcomes.WithLabelValues("issued")))
}
