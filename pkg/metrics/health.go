package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// readinessComponents must all be registered and healthy before the daemon
// reports ready
var readinessComponents = []string{"store", "coordinator"}

// HealthStatus is the body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	// LastEvent is the kind of the most recently dispatched host event
	LastEvent   string    `json:"last_event,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitzero"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type healthRegistry struct {
	mu          sync.RWMutex
	components  map[string]ComponentHealth
	startTime   time.Time
	version     string
	lastEvent   string
	lastEventAt time.Time
}

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

var health = newHealthRegistry()

// ResetHealth forgets every component and restarts the uptime clock
func ResetHealth() {
	health = newHealthRegistry()
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records the health of a component, replacing any
// earlier report
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()

	health.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RecordDispatch marks the coordinator healthy when the event succeeded
// and remembers the event as the latest one seen
func RecordDispatch(kind string, err error) {
	if err != nil {
		UpdateComponent("coordinator", false, kind+": "+err.Error())
	} else {
		UpdateComponent("coordinator", true, "")
	}

	health.mu.Lock()
	defer health.mu.Unlock()
	health.lastEvent = kind
	health.lastEventAt = time.Now()
}

func (h *healthRegistry) base(status string) HealthStatus {
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Components:  make(map[string]string),
		Version:     h.version,
		Uptime:      time.Since(h.startTime).String(),
		LastEvent:   h.lastEvent,
		LastEventAt: h.lastEventAt,
	}
}

// GetHealth reports unhealthy when any registered component is
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	report := health.base(StatusHealthy)
	for name, comp := range health.components {
		if comp.Healthy {
			report.Components[name] = StatusHealthy
			continue
		}
		report.Status = StatusUnhealthy
		report.Components[name] = StatusUnhealthy + ": " + comp.Message
	}
	return report
}

// GetReadiness reports ready once the store and the coordinator are
// registered and healthy
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	report := health.base(StatusReady)
	var waiting []string
	for _, name := range readinessComponents {
		comp, ok := health.components[name]
		switch {
		case !ok:
			report.Components[name] = "not registered"
			waiting = append(waiting, name)
		case !comp.Healthy:
			report.Components[name] = "not ready: " + comp.Message
			waiting = append(waiting, name)
		default:
			report.Components[name] = StatusReady
		}
	}

	if len(waiting) > 0 {
		sort.Strings(waiting)
		report.Status = StatusNotReady
		report.Message = "waiting for " + waiting[0]
	}
	return report
}

func writeReport(w http.ResponseWriter, report HealthStatus, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		writeReport(w, report, report.Status == StatusHealthy)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		writeReport(w, report, report.Status == StatusReady)
	}
}

// LivenessHandler answers 200 while the process is running
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		uptime := time.Since(health.startTime).String()
		health.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}
