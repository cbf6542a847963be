package services

import (
	"errors"
	"fmt"

	"github.com/hanko-field/returns/internal/repositories"
)

var (
	// ErrReturnInvalidRequest signals malformed or policy-violating input. Nothing is persisted.
	ErrReturnInvalidRequest = errors.New("return: invalid request")
	// ErrReturnInvalidState indicates a transition that is not legal from the current status.
	ErrReturnInvalidState = errors.New("return: invalid status transition")
	// ErrReturnDependency indicates a collaborator (pricing, order creation, PSP) failed.
	ErrReturnDependency = errors.New("return: dependency failure")
	// ErrReturnNotFound indicates the request, order or product does not exist.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnForbidden indicates the actor lacks the role or ownership for the operation.
	ErrReturnForbidden = errors.New("return: forbidden")
	// ErrReturnConflict indicates a concurrent writer won the race on the same order.
	ErrReturnConflict = errors.New("return: conflict")
	// ErrReturnInvariant marks a violated internal invariant.
	ErrReturnInvariant = errors.New("return: invariant violated")
)

func mapReturnRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var returnErr *repositories.ReturnError
	if errors.As(err, &returnErr) {
		switch returnErr.Code {
		case repositories.ReturnErrorQuantityExceeded, repositories.ReturnErrorUnknownLine, repositories.ReturnErrorInvalidCursor:
			return fmt.Errorf("%w: %s", ErrReturnInvalidRequest, returnErr.Message)
		case repositories.ReturnErrorStatusMismatch:
			return fmt.Errorf("%w: %s", ErrReturnInvalidState, returnErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReturnNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrReturnConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("return: repository unavailable: %w", err)
		}
	}

	return err
}

// mapDependencyError classifies failures of collaborator lookups. Missing records stay NotFound,
// everything else becomes a DependencyFailure.
func mapDependencyError(what string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %s: %v", ErrReturnNotFound, what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrReturnDependency, what, err)
}
