package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Component names registered by rackpatch processes
const (
	ComponentStore      = "store"
	ComponentDispatcher = "dispatcher"
	ComponentJanitor    = "janitor"
	ComponentAPI        = "api"
)

// Readiness states
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// ComponentUp mirrors the registry: 1 while a component reports healthy
var ComponentUp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "rackpatch_component_up",
		Help: "Whether a process component reports healthy",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(ComponentUp)
}

// ComponentHealth is the last state reported by one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// Readiness summarizes the critical components of a process
type Readiness struct {
	Status     string
	Message    string
	Components map[string]string
	Since      time.Time
}

// Ready reports whether every critical component is registered and healthy
func (r Readiness) Ready() bool {
	return r.Status == StatusReady
}

// Registry tracks component health. Only critical components decide
// readiness; the rest are reported for information.
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	started    time.Time
	gauge      *prometheus.GaugeVec
}

// NewRegistry creates a registry whose readiness depends on critical
func NewRegistry(critical ...string) *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		critical:   append([]string(nil), critical...),
		started:    time.Now(),
	}
}

// defaultRegistry backs the package level functions. The store is the only
// component a process cannot work without.
var defaultRegistry = func() *Registry {
	r := NewRegistry(ComponentStore)
	r.gauge = ComponentUp
	return r
}()

// Set records the state of a component
func (r *Registry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	r.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	r.mu.Unlock()

	if r.gauge != nil {
		up := 0.0
		if healthy {
			up = 1
		}
		r.gauge.WithLabelValues(name).Set(up)
	}
}

// Get returns the last state of a component
func (r *Registry) Get(name string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// SetCritical replaces the components readiness depends on
func (r *Registry) SetCritical(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = append([]string(nil), names...)
}

// Readiness reports the state of every registered component. The process
// is ready when each critical component is registered and healthy; the
// message names the first one that is not, in name order.
func (r *Registry) Readiness() Readiness {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Readiness{
		Status:     StatusReady,
		Components: make(map[string]string, len(r.components)),
		Since:      r.started,
	}
	for name, c := range r.components {
		out.Components[name] = describe(c)
	}

	critical := append([]string(nil), r.critical...)
	sort.Strings(critical)
	for _, name := range critical {
		c, ok := r.components[name]
		switch {
		case !ok:
			out.Components[name] = "not registered"
		case c.Healthy:
			continue
		}
		if out.Status == StatusReady {
			out.Status = StatusNotReady
			out.Message = "waiting for " + name
		}
	}
	return out
}

func describe(c ComponentHealth) string {
	if c.Healthy {
		return "ok"
	}
	if c.Message == "" {
		return "unhealthy"
	}
	return "unhealthy: " + c.Message
}

// RegisterComponent records the initial state of a component in the
// process registry
func RegisterComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// UpdateComponent records a new state of a component in the process
// registry
func UpdateComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// GetReadiness returns the readiness of the process registry
func GetReadiness() Readiness {
	return defaultRegistry.Readiness()
}
