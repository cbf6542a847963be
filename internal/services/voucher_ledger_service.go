package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/returns/internal/repositories"
)

var (
	// ErrVoucherInvalidInput signals missing identifiers on a ledger command.
	ErrVoucherInvalidInput = errors.New("voucher: invalid input")
	// ErrVoucherConflict indicates the voucher is held or used by another payment.
	ErrVoucherConflict = errors.New("voucher: conflict")
	// ErrVoucherNotFound indicates the user does not own the voucher.
	ErrVoucherNotFound = errors.New("voucher: not found")
)

// VoucherLedgerServiceDeps bundles collaborators for the voucher ledger.
type VoucherLedgerServiceDeps struct {
	Vouchers repositories.VoucherRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type voucherLedgerService struct {
	vouchers repositories.VoucherRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewVoucherLedgerService constructs the reservation ledger.
func NewVoucherLedgerService(deps VoucherLedgerServiceDeps) (VoucherLedgerService, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher ledger: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &voucherLedgerService{
		vouchers: deps.Vouchers,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *voucherLedgerService) Reserve(ctx context.Context, cmd VoucherLedgerCommand) (UserVoucher, error) {
	cmd, err := normalizeVoucherCommand(cmd)
	if err != nil {
		return UserVoucher{}, err
	}
	voucher, err := s.vouchers.Reserve(ctx, repositories.VoucherReserveRequest{
		UserID:          cmd.UserID,
		VoucherID:       cmd.VoucherID,
		PaymentIntentID: cmd.PaymentIntentID,
		Now:             s.clock(),
	})
	if err != nil {
		return UserVoucher{}, mapVoucherRepositoryError(err)
	}
	s.logger(ctx, "vouchers.reserved", map[string]any{
		"userId":    cmd.UserID,
		"voucherId": cmd.VoucherID,
		"intentId":  cmd.PaymentIntentID,
	})
	return voucher, nil
}

// Confirm never fails for a missing reservation so payment confirmation is not blocked by
// voucher bookkeeping.
func (s *voucherLedgerService) Confirm(ctx context.Context, cmd VoucherLedgerCommand) (bool, error) {
	cmd, err := normalizeVoucherCommand(cmd)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(cmd.OrderID) == "" {
		return false, fmt.Errorf("%w: order id is required", ErrVoucherInvalidInput)
	}
	_, matched, err := s.vouchers.Confirm(ctx, repositories.VoucherConfirmRequest{
		UserID:          cmd.UserID,
		VoucherID:       cmd.VoucherID,
		PaymentIntentID: cmd.PaymentIntentID,
		OrderID:         strings.TrimSpace(cmd.OrderID),
		Now:             s.clock(),
	})
	if err != nil {
		return false, mapVoucherRepositoryError(err)
	}
	event := "vouchers.confirmed"
	if !matched {
		event = "vouchers.confirm.skipped"
	}
	s.logger(ctx, event, map[string]any{
		"userId":    cmd.UserID,
		"voucherId": cmd.VoucherID,
		"intentId":  cmd.PaymentIntentID,
		"orderId":   cmd.OrderID,
	})
	return matched, nil
}

func (s *voucherLedgerService) Release(ctx context.Context, cmd VoucherLedgerCommand) (bool, error) {
	cmd, err := normalizeVoucherCommand(cmd)
	if err != nil {
		return false, err
	}
	_, matched, err := s.vouchers.Release(ctx, repositories.VoucherReleaseRequest{
		UserID:          cmd.UserID,
		VoucherID:       cmd.VoucherID,
		PaymentIntentID: cmd.PaymentIntentID,
		Now:             s.clock(),
	})
	if err != nil {
		return false, mapVoucherRepositoryError(err)
	}
	if matched {
		s.logger(ctx, "vouchers.released", map[string]any{
			"userId":    cmd.UserID,
			"voucherId": cmd.VoucherID,
			"intentId":  cmd.PaymentIntentID,
		})
	}
	return matched, nil
}

func normalizeVoucherCommand(cmd VoucherLedgerCommand) (VoucherLedgerCommand, error) {
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	cmd.VoucherID = strings.TrimSpace(cmd.VoucherID)
	cmd.PaymentIntentID = strings.TrimSpace(cmd.PaymentIntentID)
	switch {
	case cmd.UserID == "":
		return cmd, fmt.Errorf("%w: user id is required", ErrVoucherInvalidInput)
	case cmd.VoucherID == "":
		return cmd, fmt.Errorf("%w: voucher id is required", ErrVoucherInvalidInput)
	case cmd.PaymentIntentID == "":
		return cmd, fmt.Errorf("%w: payment intent id is required", ErrVoucherInvalidInput)
	}
	return cmd, nil
}

func mapVoucherRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrVoucherNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrVoucherConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("voucher: repository unavailable: %w", err)
		}
	}
	return err
}
