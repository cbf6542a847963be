package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/repositories"
)

const returnSettlementsCollection = "returnSettlements"

// SettlementRepository keeps one document per settled return request.
type SettlementRepository struct {
	base *pfirestore.BaseRepository[settlementDocument]
}

var _ repositories.SettlementRepository = (*SettlementRepository)(nil)

func NewSettlementRepository(provider *pfirestore.Provider) (*SettlementRepository, error) {
	if provider == nil {
		return nil, errors.New("settlement repository requires firestore provider")
	}
	return &SettlementRepository{base: pfirestore.NewBaseRepository[settlementDocument](provider, returnSettlementsCollection)}, nil
}

func (r *SettlementRepository) Record(ctx context.Context, record domain.SettlementRecord) error {
	id := strings.TrimSpace(record.RequestID)
	if id == "" {
		return errors.New("settlement repository: request id is required")
	}
	return r.base.Create(ctx, id, settlementDocument{
		OrderID:     record.OrderID,
		Action:      record.Action,
		Amount:      record.Amount,
		Currency:    record.Currency,
		ProviderRef: record.ProviderRef,
		ProcessedAt: record.ProcessedAt.UTC(),
	})
}

func (r *SettlementRepository) FindByRequestID(ctx context.Context, requestID string) (domain.SettlementRecord, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	return domain.SettlementRecord{
		RequestID:   doc.ID,
		OrderID:     doc.Data.OrderID,
		Action:      doc.Data.Action,
		Amount:      doc.Data.Amount,
		Currency:    doc.Data.Currency,
		ProviderRef: doc.Data.ProviderRef,
		ProcessedAt: doc.Data.ProcessedAt.UTC(),
	}, nil
}

type settlementDocument struct {
	OrderID     string    `firestore:"orderId"`
	Action      string    `firestore:"action"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	ProviderRef string    `firestore:"providerRef,omitempty"`
	ProcessedAt time.Time `firestore:"processedAt"`
}
