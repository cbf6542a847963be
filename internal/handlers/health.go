package handlers

import (
	"maps"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/platform/requestctx"
	"github.com/hanko-field/returns/internal/services"
)

// HealthHandlers serves liveness and readiness checks.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the dependency report used by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readyzCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version,omitempty"`
	CommitSHA   string                 `json:"commitSha,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Uptime      string                 `json:"uptime,omitempty"`
	Checks      map[string]readyzCheck `json:"checks,omitempty"`
	Details     []string               `json:"details,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz fails with 503 only when the report is in error, which happens when a critical check
// fails. A degraded report still answers 200 and lists the failing checks in details.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	stamp := h.clock().UTC().Format(time.RFC3339)
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{Status: domain.HealthStatusOK, Timestamp: stamp})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		requestctx.Logger(r.Context()).Error("health report failed", zap.Error(err))
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:    domain.HealthStatusError,
			Details:   []string{err.Error()},
			Timestamp: stamp,
		})
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Checks:      readyzChecks(report.Checks),
		Timestamp:   stamp,
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.Round(time.Second).String()
	}
	for _, name := range slices.Sorted(maps.Keys(report.Checks)) {
		if msg := report.Checks[name].Error; msg != "" {
			resp.Details = append(resp.Details, name+": "+msg)
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}

func readyzChecks(checks map[string]domain.SystemHealthCheck) map[string]readyzCheck {
	if len(checks) == 0 {
		return nil
	}
	out := make(map[string]readyzCheck, len(checks))
	for name, check := range checks {
		out[name] = readyzCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
	}
	return out
}
