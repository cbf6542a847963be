package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestParsePageSize(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		opts    Options
		want    int
		wantErr bool
	}{
		{name: "default", want: DefaultPageSize},
		{name: "endpoint default", opts: Options{DefaultPageSize: 25}, want: 25},
		{name: "default capped by max", opts: Options{DefaultPageSize: 80, MaxPageSize: 40}, want: 40},
		{name: "explicit", raw: "30", opts: Options{MaxPageSize: 40}, want: 30},
		{name: "clamped to endpoint max", raw: "500", opts: Options{MaxPageSize: 40}, want: 40},
		{name: "clamped to repository max", raw: "1000", want: DefaultMaxPageSize},
		{name: "whitespace", raw: " 12 ", want: 12},
		{name: "not a number", raw: "abc", wantErr: true},
		{name: "zero", raw: "0", wantErr: true},
		{name: "negative", raw: "-5", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := url.Values{}
			if tc.raw != "" {
				values.Set("pageSize", tc.raw)
			}
			params, err := Parse(values, tc.opts)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPageSize) {
					t.Fatalf("expected ErrInvalidPageSize, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if params.PageSize != tc.want {
				t.Fatalf("expected page size %d, got %d", tc.want, params.PageSize)
			}
		})
	}
}

func TestParsePageToken(t *testing.T) {
	createdAt := time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC)
	token, err := EncodeToken(Cursor{CreatedAt: createdAt, ID: "ret_01"})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	req := httptest.NewRequest("GET", "/returns?pageSize=20&pageToken="+token, nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageToken != token || params.Cursor.ID != "ret_01" || !params.Cursor.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected params %#v", params)
	}
	if got := params.Pagination(); got.PageSize != 20 || got.PageToken != token {
		t.Fatalf("unexpected pagination %#v", got)
	}

	first, err := Parse(nil, Options{})
	if err != nil || !first.Cursor.IsZero() || first.PageToken != "" {
		t.Fatalf("expected first page from empty query, got %#v %v", first, err)
	}
}

func TestDecodeTokenRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":        "!!!invalid!!!",
		"not json":          base64.RawURLEncoding.EncodeToString([]byte("ret_1")),
		"missing timestamp": base64.RawURLEncoding.EncodeToString([]byte(`{"id":"ret_1"}`)),
		"missing id":        base64.RawURLEncoding.EncodeToString([]byte(`{"t":"2025-04-02T08:30:00Z"}`)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
				t.Fatalf("expected ErrInvalidPageToken, got %v", err)
			}
			if _, err := Parse(url.Values{"pageToken": {token}}, Options{}); !errors.Is(err, ErrInvalidPageToken) {
				t.Fatalf("expected Parse to reject token, got %v", err)
			}
		})
	}
}

func TestTokenNormalisesToUTC(t *testing.T) {
	local := time.FixedZone("ICT", 7*60*60)
	cursor := Cursor{CreatedAt: time.Date(2025, 4, 2, 15, 0, 0, 0, local), ID: "ret_02", Scope: "user-1"}
	token, err := EncodeToken(cursor)
	if err != nil || token == "" {
		t.Fatalf("EncodeToken: %q %v", token, err)
	}
	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if decoded.ID != "ret_02" || decoded.Scope != "user-1" {
		t.Fatalf("unexpected cursor %#v", decoded)
	}
	if decoded.CreatedAt.Location() != time.UTC || !decoded.CreatedAt.Equal(cursor.CreatedAt) {
		t.Fatalf("expected UTC timestamp equal to input, got %v", decoded.CreatedAt)
	}

	if empty, err := EncodeToken(Cursor{}); err != nil || empty != "" {
		t.Fatalf("expected empty token for first page, got %q %v", empty, err)
	}
}

func TestDecodeScopedTokenRejectsOtherFilters(t *testing.T) {
	token, err := EncodeToken(Cursor{CreatedAt: time.Now(), ID: "ret_3", Scope: "status=pending"})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if _, err := DecodeScopedToken(token, "status=pending"); err != nil {
		t.Fatalf("expected matching scope to decode, got %v", err)
	}
	if _, err := DecodeScopedToken(token, "status=approved"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken for scope mismatch, got %v", err)
	}
	if cursor, err := DecodeScopedToken("", "anything"); err != nil || !cursor.IsZero() {
		t.Fatalf("expected empty token to mean first page, got %#v %v", cursor, err)
	}
}
