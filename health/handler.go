package health

import (
	"encoding/json"
	"net/http"
)

// response is the health endpoint body
type response struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
}

// Handler serves the monitor's aggregate state as JSON. Unhealthy systems
// answer 503 so load balancers can route around the node; degraded still
// answers 200.
func Handler(monitor *Monitor, system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body := response{
			Status:     monitor.System(system),
			Components: monitor.All(),
		}

		code := http.StatusOK
		if body.Status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	})
}
