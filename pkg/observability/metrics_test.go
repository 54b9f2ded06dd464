package observability_test

import (
	"testing"

	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := observability.NewMetrics()
	m.Lookup(observability.LookupHit)
	m.Lookup(observability.LookupHit)
	m.Lookup(observability.LookupMiss)
	m.Published("compile")
	m.Episode(false)
	m.ObserveCompile(0.2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["scriptforge_resolver_lookups_total"])
	assert.True(t, names["scriptforge_compile_duration_seconds"])

	n, err := testutil.GatherAndCount(m.Registry(), "scriptforge_resolver_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result label")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.Lookup(observability.LookupMiss)
		m.Attempt("accepted")
		m.Triage("fixable")
		m.Published("review")
		m.Episode(true)
		m.ObserveCompile(1)
	})
	assert.NotNil(t, m.Registry())
}
