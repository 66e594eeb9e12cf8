package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	statusUp   = "up"
	statusDown = "down"
)

// ComponentStatus is the readiness result of one dependency.
type ComponentStatus struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ReadinessReport is the body of the readiness probe.
type ReadinessReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

// liveness only proves the process can serve HTTP. It never touches dependencies,
// so a database outage does not get the pod restarted.
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// readiness runs every checker concurrently under the configured timeout and
// answers 503 if any of them fails.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	report := s.check(ctx)
	status := http.StatusOK
	if report.Status != statusUp {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) check(ctx context.Context) ReadinessReport {
	report := ReadinessReport{Status: statusUp, Components: make(map[string]ComponentStatus, len(s.checkers))}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range s.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			res := ComponentStatus{Status: statusUp, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				// Warn only: the orchestrator retries the probe.
				s.logger.Warn("readiness check failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				res.Status = statusDown
				res.Error = err.Error()
				DependencyUp.WithLabelValues(c.Name()).Set(0)
			} else {
				DependencyUp.WithLabelValues(c.Name()).Set(1)
			}

			mu.Lock()
			report.Components[c.Name()] = res
			if err != nil {
				report.Status = statusDown
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return report
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status code is already sent; the body is for humans.
	_ = json.NewEncoder(w).Encode(body)
}
