package domain

import (
	"time"
)

// Pagination is the page request every list operation accepts. PageToken is opaque to callers.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of results. An empty NextPageToken marks the last page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Health statuses, ordered from best to worst.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

type SystemHealthCheck struct {
	Status string
	// Detail is a short human summary, e.g. "timeout" or a backlog count.
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders. Checks is keyed by dependency name.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// SignedUploadResponse lets a customer PUT return evidence straight to object storage. Headers
// must be sent verbatim or the signature check fails.
type SignedUploadResponse struct {
	ObjectPath string
	URL        string
	Method     string
	Headers    map[string]string
	ExpiresAt  time.Time
}
