package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Returns, when set, adds a "returns" check summarising the review backlog.
	Returns repositories.ReturnRequestRepository
}

type systemService struct {
	healthRepo repositories.HealthRepository
	returns    repositories.ReturnRequestRepository
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:   build,
		returns: deps.Returns,
	}, nil
}

// HealthReport collects dependency checks, appends the returns backlog check, and stamps build
// metadata. The report status is the worst of the collected status and every check.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = cmp.Or(report.Version, s.build.Version)
	report.CommitSHA = cmp.Or(report.CommitSHA, s.build.CommitSHA)
	report.Environment = cmp.Or(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	report.Checks = maps.Clone(report.Checks)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.returns != nil {
		report.Checks["returns"] = s.returnsBacklog(ctx)
	}
	for _, check := range report.Checks {
		report.Status = worseHealth(report.Status, check.Status)
	}
	report.Status = worseHealth(report.Status, domain.HealthStatusOK)
	return report, nil
}

// returnsBacklog never fails the report outright; stats trouble only degrades it.
func (s *systemService) returnsBacklog(ctx context.Context) domain.SystemHealthCheck {
	start := s.clock()
	stats, err := s.returns.Stats(ctx, repositories.ReturnStatsFilter{})
	end := s.clock()

	check := domain.SystemHealthCheck{Latency: end.Sub(start), CheckedAt: end}
	if err != nil {
		check.Status = domain.HealthStatusDegraded
		check.Detail = "stats unavailable"
		check.Error = err.Error()
		return check
	}
	check.Status = domain.HealthStatusOK
	check.Detail = fmt.Sprintf("%d pending, %d approved",
		stats.ByStatus[domain.ReturnStatusPending],
		stats.ByStatus[domain.ReturnStatusApproved])
	return check
}

var healthRank = map[string]int{
	domain.HealthStatusOK:       1,
	domain.HealthStatusDegraded: 2,
	domain.HealthStatusError:    3,
}

// worseHealth ranks ok < degraded < error. Blank is the absence of a status; unknown values
// count as degraded.
func worseHealth(a, b string) string {
	rank := func(s string) int {
		if s == "" {
			return 0
		}
		if r, ok := healthRank[s]; ok {
			return r
		}
		return healthRank[domain.HealthStatusDegraded]
	}
	if rank(b) > rank(a) {
		a = b
	}
	if _, known := healthRank[a]; !known && a != "" {
		return domain.HealthStatusDegraded
	}
	return a
}
