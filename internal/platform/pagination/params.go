package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	domain "github.com/hanko-field/returns/internal/domain"
)

const (
	DefaultPageSize = 50
	// DefaultMaxPageSize is the largest page the return repository serves.
	DefaultMaxPageSize = 200
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params holds the pageSize and pageToken query values after validation. Cursor is the decoded
// token; it is zero on the first page.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

func (p Params) Pagination() domain.Pagination {
	return domain.Pagination{PageSize: p.PageSize, PageToken: p.PageToken}
}

// Options override the package page size limits for one endpoint. Zero values keep the defaults.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func (o Options) limits() (def, maximum int) {
	maximum = DefaultMaxPageSize
	if o.MaxPageSize > 0 {
		maximum = o.MaxPageSize
	}
	def = DefaultPageSize
	if o.DefaultPageSize > 0 {
		def = o.DefaultPageSize
	}
	return min(def, maximum), maximum
}

func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse clamps oversize pages to the maximum rather than rejecting them. The token is decoded
// here so a malformed one fails as a 400 before any query runs.
func Parse(values url.Values, opts Options) (Params, error) {
	def, maximum := opts.limits()
	params := Params{PageSize: def}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidPageSize, raw)
		case size <= 0:
			return Params{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
		}
		params.PageSize = min(size, maximum)
	}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		cursor, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken, params.Cursor = token, cursor
	}
	return params, nil
}
