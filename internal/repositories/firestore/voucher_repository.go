package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/returns/internal/domain"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/repositories"
)

const userVouchersCollection = "userVouchers"

// VoucherRepository keeps one document per (user, voucher) pair keyed userID_voucherID.
type VoucherRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[userVoucherDocument]
}

var _ repositories.VoucherRepository = (*VoucherRepository)(nil)

func NewVoucherRepository(provider *pfirestore.Provider) (*VoucherRepository, error) {
	if provider == nil {
		return nil, errors.New("voucher repository requires firestore provider")
	}
	return &VoucherRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[userVoucherDocument](provider, userVouchersCollection),
	}, nil
}

func (r *VoucherRepository) Reserve(ctx context.Context, req repositories.VoucherReserveRequest) (domain.UserVoucher, error) {
	id, err := userVoucherID(req.UserID, req.VoucherID)
	if err != nil {
		return domain.UserVoucher{}, err
	}
	var out domain.UserVoucher
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			return err
		}
		data := doc.Data
		switch {
		case data.OrderID != "":
			return voucherConflict("vouchers.reserve", "voucher %s already used by order %s", req.VoucherID, data.OrderID)
		case data.ReservedForOrderID == req.PaymentIntentID:
			out = data.toDomain(doc.ID)
			return nil
		case data.ReservedForOrderID != "":
			return voucherConflict("vouchers.reserve", "voucher %s is held by another payment", req.VoucherID)
		}
		data.ReservedForOrderID = req.PaymentIntentID
		data.UpdatedAt = req.Now.UTC()
		if err := r.base.Set(ctx, id, data); err != nil {
			return err
		}
		out = data.toDomain(doc.ID)
		return nil
	})
	if err != nil {
		return domain.UserVoucher{}, err
	}
	return out, nil
}

// Confirm matches on the reservation owner only. Anything else is reported as not matched.
func (r *VoucherRepository) Confirm(ctx context.Context, req repositories.VoucherConfirmRequest) (domain.UserVoucher, bool, error) {
	id, err := userVoucherID(req.UserID, req.VoucherID)
	if err != nil {
		return domain.UserVoucher{}, false, err
	}
	var (
		out     domain.UserVoucher
		matched bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return nil
			}
			return err
		}
		data := doc.Data
		out = data.toDomain(doc.ID)
		if data.ReservedForOrderID == "" || data.ReservedForOrderID != req.PaymentIntentID {
			return nil
		}
		now := req.Now.UTC()
		data.OrderID = req.OrderID
		data.ReservedForOrderID = ""
		data.UsedAt = &now
		data.UpdatedAt = now
		if err := r.base.Set(ctx, id, data); err != nil {
			return err
		}
		out = data.toDomain(doc.ID)
		matched = true
		return nil
	})
	if err != nil {
		return domain.UserVoucher{}, false, err
	}
	return out, matched, nil
}

func (r *VoucherRepository) Release(ctx context.Context, req repositories.VoucherReleaseRequest) (domain.UserVoucher, bool, error) {
	id, err := userVoucherID(req.UserID, req.VoucherID)
	if err != nil {
		return domain.UserVoucher{}, false, err
	}
	var (
		out     domain.UserVoucher
		matched bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return nil
			}
			return err
		}
		data := doc.Data
		out = data.toDomain(doc.ID)
		if data.ReservedForOrderID == "" || data.ReservedForOrderID != req.PaymentIntentID {
			return nil
		}
		data.ReservedForOrderID = ""
		data.UpdatedAt = req.Now.UTC()
		if err := r.base.Set(ctx, id, data); err != nil {
			return err
		}
		out = data.toDomain(doc.ID)
		matched = true
		return nil
	})
	if err != nil {
		return domain.UserVoucher{}, false, err
	}
	return out, matched, nil
}

func (r *VoucherRepository) Get(ctx context.Context, userID, voucherID string) (domain.UserVoucher, error) {
	id, err := userVoucherID(userID, voucherID)
	if err != nil {
		return domain.UserVoucher{}, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.UserVoucher{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func userVoucherID(userID, voucherID string) (string, error) {
	userID = strings.TrimSpace(userID)
	voucherID = strings.TrimSpace(voucherID)
	if userID == "" || voucherID == "" {
		return "", errors.New("voucher repository: user id and voucher id are required")
	}
	return userID + "_" + voucherID, nil
}

func voucherConflict(op, format string, args ...any) error {
	return pfirestore.WrapError(op, status.Error(codes.FailedPrecondition, fmt.Sprintf(format, args...)))
}

type userVoucherDocument struct {
	UserID             string     `firestore:"userId"`
	VoucherID          string     `firestore:"voucherId"`
	ReservedForOrderID string     `firestore:"reservedForOrderId"`
	OrderID            string     `firestore:"orderId"`
	UsedAt             *time.Time `firestore:"usedAt"`
	CreatedAt          time.Time  `firestore:"createdAt"`
	UpdatedAt          time.Time  `firestore:"updatedAt"`
}

func (d userVoucherDocument) toDomain(id string) domain.UserVoucher {
	return domain.UserVoucher{
		ID:                 id,
		UserID:             d.UserID,
		VoucherID:          d.VoucherID,
		ReservedForOrderID: d.ReservedForOrderID,
		OrderID:            d.OrderID,
		UsedAt:             utcPtr(d.UsedAt),
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}
