package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/returns/internal/repositories"
)

func TestWrapErrorClassifiesStatus(t *testing.T) {
	cases := []struct {
		code                            codes.Code
		notFound, conflict, unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("returns.get", status.Error(tc.code, "boom"))

		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected RepositoryError, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %v/%v/%v", tc.code, repoErr.IsNotFound(), repoErr.IsConflict(), repoErr.IsUnavailable())
		}
		if status.Code(errors.Unwrap(err)) != tc.code {
			t.Fatalf("%s: underlying status lost", tc.code)
		}
	}
}

func TestWrapErrorContextAndRewrap(t *testing.T) {
	if err := WrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", fmt.Errorf("read: %w", context.DeadlineExceeded)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	inner := WrapError("", status.Error(codes.NotFound, "missing"))
	outer := WrapError("vouchers.confirm", inner)
	if outer.Error() != "vouchers.confirm: rpc error: code = NotFound desc = missing" {
		t.Fatalf("unexpected message %q", outer.Error())
	}
	if !IsNotFound(outer) || IsConflict(outer) {
		t.Fatal("rewrapping must keep the classification")
	}
	if !IsConflict(status.Error(codes.FailedPrecondition, "stale")) {
		t.Fatal("expected raw precondition failure to count as conflict")
	}
}
