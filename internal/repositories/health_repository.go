package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/returns/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness check. A failing Critical check marks the whole report as
// error; other failures only degrade it.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout applies to checks that leave Timeout unset.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository returns a HealthRepository that runs every check concurrently on
// each Collect.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	seen := make(map[string]bool, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		switch {
		case name == "":
			return nil, errors.New("health repository: dependency check missing name")
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: dependency %s missing check function", name)
		case seen[name]:
			return nil, fmt.Errorf("health repository: duplicate dependency %s", name)
		}
		seen[name] = true
	}

	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	results := make([]domain.SystemHealthCheck, len(r.checks))
	var g errgroup.Group
	for i, check := range r.checks {
		g.Go(func() error {
			results[i] = r.runCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(results)),
		GeneratedAt: r.now(),
	}
	for i, result := range results {
		report.Checks[strings.TrimSpace(r.checks[i].Name)] = result
		switch {
		case result.Status == domain.HealthStatusError:
			report.Status = domain.HealthStatusError
		case result.Status == domain.HealthStatusDegraded && report.Status == domain.HealthStatusOK:
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (r *dependencyHealthRepository) runCheck(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(checkCtx)
	if err == nil {
		// a check that ignores its context can still overrun
		err = checkCtx.Err()
	}
	end := r.now()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil {
		return result
	}

	result.Status = domain.HealthStatusDegraded
	if check.Critical {
		result.Status = domain.HealthStatusError
	}
	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "cancelled"
	default:
		result.Detail = err.Error()
	}
	return result
}
