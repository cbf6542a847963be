package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	pstorage "github.com/hanko-field/returns/internal/platform/storage"
	"github.com/hanko-field/returns/internal/repositories"
)

const (
	evidenceUploadIDPrefix = "upl_"
	defaultEvidenceMaxSize = 10 << 20
)

var defaultEvidenceContentTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic"}

// signedUploader abstracts the storage client for tests.
type signedUploader interface {
	SignedUploadURL(ctx context.Context, bucket, object string, opts pstorage.UploadOptions) (pstorage.SignedURLResult, error)
}

// EvidenceServiceDeps bundles collaborators for evidence uploads.
type EvidenceServiceDeps struct {
	Storage      signedUploader
	Orders       repositories.OrderRepository
	Bucket       string
	URLTTL       time.Duration
	MaxSize      int64
	ContentTypes []string
	IDGenerator  func() string
}

type evidenceService struct {
	storage      signedUploader
	orders       repositories.OrderRepository
	bucket       string
	ttl          time.Duration
	maxSize      int64
	contentTypes []string
	newID        func() string
}

// NewEvidenceService constructs the signed upload issuer for return evidence.
func NewEvidenceService(deps EvidenceServiceDeps) (EvidenceService, error) {
	if deps.Storage == nil {
		return nil, errors.New("evidence service: storage client is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("evidence service: order repository is required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket == "" {
		return nil, errors.New("evidence service: bucket is required")
	}
	maxSize := deps.MaxSize
	if maxSize <= 0 {
		maxSize = defaultEvidenceMaxSize
	}
	types := deps.ContentTypes
	if len(types) == 0 {
		types = defaultEvidenceContentTypes
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &evidenceService{
		storage:      deps.Storage,
		orders:       deps.Orders,
		bucket:       bucket,
		ttl:          deps.URLTTL,
		maxSize:      maxSize,
		contentTypes: types,
		newID:        idGen,
	}, nil
}

func (s *evidenceService) IssueUploadURL(ctx context.Context, cmd EvidenceUploadCommand) (SignedUploadResponse, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SignedUploadResponse{}, fmt.Errorf("%w: order id is required", ErrReturnInvalidRequest)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SignedUploadResponse{}, mapDependencyError("order lookup", err)
	}
	if order.UserID != cmd.Actor.ID {
		return SignedUploadResponse{}, fmt.Errorf("%w: order %s does not belong to the caller", ErrReturnForbidden, orderID)
	}

	fileName := path.Base(strings.TrimSpace(cmd.FileName))
	if fileName == "." || fileName == "/" {
		return SignedUploadResponse{}, fmt.Errorf("%w: file name is required", ErrReturnInvalidRequest)
	}
	object, err := pstorage.EvidencePath(order.UserID, order.ID, evidenceUploadIDPrefix+s.newID(), fileName)
	if err != nil {
		return SignedUploadResponse{}, fmt.Errorf("%w: %v", ErrReturnInvalidRequest, err)
	}

	signed, err := s.storage.SignedUploadURL(ctx, s.bucket, object, pstorage.UploadOptions{
		ContentType:         cmd.ContentType,
		AllowedContentTypes: s.contentTypes,
		Size:                cmd.Size,
		MaxSize:             s.maxSize,
		ExpiresIn:           s.ttl,
	})
	if err != nil {
		if pstorage.IsValidationError(err) {
			return SignedUploadResponse{}, fmt.Errorf("%w: %v", ErrReturnInvalidRequest, err)
		}
		return SignedUploadResponse{}, fmt.Errorf("%w: sign upload: %v", ErrReturnDependency, err)
	}

	return SignedUploadResponse{
		ObjectPath: object,
		URL:        signed.URL,
		ExpiresAt:  signed.ExpiresAt,
		Method:     signed.Method,
		Headers:    signed.Headers,
	}, nil
}
