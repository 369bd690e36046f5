package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReadiness(t *testing.T) {
	tests := []struct {
		name        string
		set         map[string]bool
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "all critical healthy",
			set:        map[string]bool{ComponentStore: true, ComponentDispatcher: true},
			wantStatus: StatusReady,
		},
		{
			name:        "critical missing",
			set:         map[string]bool{ComponentStore: true},
			wantStatus:  StatusNotReady,
			wantMessage: "waiting for dispatcher",
		},
		{
			name:        "critical unhealthy",
			set:         map[string]bool{ComponentStore: false, ComponentDispatcher: true},
			wantStatus:  StatusNotReady,
			wantMessage: "waiting for store",
		},
		{
			name:       "non critical unhealthy",
			set:        map[string]bool{ComponentStore: true, ComponentDispatcher: true, ComponentJanitor: false},
			wantStatus: StatusReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(ComponentStore, ComponentDispatcher)
			for name, healthy := range tt.set {
				r.Set(name, healthy, "")
			}

			got := r.Readiness()
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantMessage, got.Message)
			assert.Equal(t, tt.wantStatus == StatusReady, got.Ready())
		})
	}
}

func TestRegistryDescribesComponents(t *testing.T) {
	r := NewRegistry(ComponentStore)
	r.Set(ComponentStore, false, "connection refused")
	r.Set(ComponentJanitor, true, "idle")

	got := r.Readiness()
	assert.Equal(t, map[string]string{
		ComponentStore:   "unhealthy: connection refused",
		ComponentJanitor: "ok",
	}, got.Components)

	r.Set(ComponentStore, true, "reachable")
	c, ok := r.Get(ComponentStore)
	require.True(t, ok)
	assert.True(t, c.Healthy)
	assert.Equal(t, "reachable", c.Message)
	assert.True(t, r.Readiness().Ready())
}

func TestRegistryNotRegistered(t *testing.T) {
	r := NewRegistry(ComponentStore)
	got := r.Readiness()
	assert.Equal(t, StatusNotReady, got.Status)
	assert.Equal(t, "not registered", got.Components[ComponentStore])

	r.SetCritical()
	assert.True(t, r.Readiness().Ready())
}

func TestRegistryGauge(t *testing.T) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_component_up"}, []string{"component"})
	r := NewRegistry()
	r.gauge = gauge

	r.Set(ComponentAPI, true, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues(ComponentAPI)))

	r.Set(ComponentAPI, false, "bind failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge.WithLabelValues(ComponentAPI)))
}

func TestPackageRegistry(t *testing.T) {
	RegisterComponent(ComponentStore, true, "reachable")
	assert.True(t, GetReadiness().Ready())
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentUp.WithLabelValues(ComponentStore)))

	UpdateComponent(ComponentStore, false, "gone")
	assert.False(t, GetReadiness().Ready())
	assert.Equal(t, "waiting for store", GetReadiness().Message)
}
