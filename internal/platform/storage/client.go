package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultUploadExpiry = 15 * time.Minute
	maxUploadExpiry     = time.Hour
)

var errNoSigner = errors.New("storage: signer is required")

// ValidationError is an upload request the caller got wrong, as opposed to a signing failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "storage: " + e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Client signs V4 upload URLs so customers can send return evidence straight to the bucket.
type Client struct {
	signer Signer
	now    func() time.Time
}

type ClientOption func(*Client)

func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// UploadOptions describe the upload being authorised. AllowedContentTypes entries may be exact
// types, "type/*" or "*". MaxSize is enforced by GCS through x-goog-content-length-range.
type UploadOptions struct {
	Method              string
	ContentType         string
	ContentMD5          string
	AllowedContentTypes []string
	Size                int64
	MaxSize             int64
	ExpiresIn           time.Duration
}

// SignedURLResult carries the URL plus the headers the uploader must send unchanged.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

type uploadRequest struct {
	method      string
	contentType string
	md5         string
	expiry      time.Duration
	sizeRange   string
}

func (o UploadOptions) validate() (uploadRequest, error) {
	req := uploadRequest{
		method: strings.ToUpper(strings.TrimSpace(o.Method)),
		md5:    strings.TrimSpace(o.ContentMD5),
		expiry: o.ExpiresIn,
	}
	if req.method == "" {
		req.method = "PUT"
	}
	if req.method != "PUT" && req.method != "POST" {
		return req, invalid("method", "only PUT and POST uploads are signed")
	}

	mediaType, _, err := mime.ParseMediaType(o.ContentType)
	if err != nil {
		return req, invalid("contentType", "a valid content type is required")
	}
	req.contentType = mediaType
	if len(o.AllowedContentTypes) > 0 && !contentTypeAllowed(mediaType, o.AllowedContentTypes) {
		return req, invalid("contentType", mediaType+" is not accepted")
	}

	if o.MaxSize > 0 {
		if o.Size > o.MaxSize {
			return req, invalid("size", "declared size exceeds "+strconv.FormatInt(o.MaxSize, 10)+" bytes")
		}
		req.sizeRange = "0," + strconv.FormatInt(o.MaxSize, 10)
	}
	if req.md5 != "" {
		if _, err := base64.StdEncoding.DecodeString(req.md5); err != nil {
			return req, invalid("contentMd5", "must be base64 encoded")
		}
	}

	switch {
	case req.expiry <= 0:
		req.expiry = defaultUploadExpiry
	case req.expiry > maxUploadExpiry:
		return req, invalid("expiresIn", "may not exceed "+maxUploadExpiry.String())
	}
	return req, nil
}

// SignedUploadURL validates opts and signs a URL for object in bucket.
func (c *Client) SignedUploadURL(ctx context.Context, bucket, object string, opts UploadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	bucket, object = strings.TrimSpace(bucket), strings.TrimSpace(object)
	if bucket == "" {
		return SignedURLResult{}, errors.New("storage: bucket name is required")
	}
	if object == "" {
		return SignedURLResult{}, invalid("object", "object name is required")
	}
	req, err := opts.validate()
	if err != nil {
		return SignedURLResult{}, err
	}

	headers := map[string]string{"Content-Type": req.contentType}
	var extHeaders []string
	if req.md5 != "" {
		headers["Content-MD5"] = req.md5
	}
	if req.sizeRange != "" {
		headers["x-goog-content-length-range"] = req.sizeRange
		extHeaders = append(extHeaders, "x-goog-content-length-range:"+req.sizeRange)
	}

	expiresAt := c.now().Add(req.expiry)
	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         req.method,
		ContentType:    req.contentType,
		MD5:            req.md5,
		Headers:        extHeaders,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign upload url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: req.method, ExpiresAt: expiresAt, Headers: headers}, nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		prefix, wildcard := strings.CutSuffix(candidate, "*")
		switch {
		case candidate == "":
		case wildcard && (prefix == "" || strings.HasSuffix(prefix, "/")) && strings.HasPrefix(contentType, prefix):
			return true
		case contentType == candidate:
			return true
		}
	}
	return false
}
