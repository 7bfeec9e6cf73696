package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health checks for various components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetComponentHealth updates the health of a component
func SetComponentHealth(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// HealthHandler serves the health document. The status is "healthy" when all
// components are healthy, "degraded" when some are not, "unhealthy" when
// none are.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthChecker.mu.RLock()
		defer healthChecker.mu.RUnlock()

		healthy, total := 0, len(healthChecker.components)
		components := make(map[string]string, total)
		for name, c := range healthChecker.components {
			state := "healthy"
			if !c.Healthy {
				state = "unhealthy"
				if c.Message != "" {
					state = c.Message
				}
			}
			components[name] = state
			if c.Healthy {
				healthy++
			}
		}

		status := "healthy"
		code := http.StatusOK
		switch {
		case total == 0:
			// No components registered yet
		case healthy == 0:
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		case healthy < total:
			status = "degraded"
		}

		doc := HealthStatus{
			Status:     status,
			Timestamp:  time.Now(),
			Components: components,
			Version:    healthChecker.version,
			Uptime:     time.Since(healthChecker.startTime).Round(time.Second).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(doc)
	})
}
