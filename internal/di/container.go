package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/returns/internal/payments"
	"github.com/hanko-field/returns/internal/platform/config"
	pstorage "github.com/hanko-field/returns/internal/platform/storage"
	"github.com/hanko-field/returns/internal/repositories"
	"github.com/hanko-field/returns/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Returns     services.ReturnRequestService
	Evidence    services.EvidenceService
	Vouchers    services.VoucherLedgerService
	Settlements services.SettlementProcessor
	System      services.SystemService
}

// PaymentGateway is the subset of payments.Manager the services use.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// EvidenceStorage signs upload URLs for evidence images.
type EvidenceStorage interface {
	SignedUploadURL(ctx context.Context, bucket, object string, opts pstorage.UploadOptions) (pstorage.SignedURLResult, error)
}

// Collaborators carries infrastructure that does not live behind the repository registry.
// Storage may be nil, in which case evidence uploads stay disabled.
type Collaborators struct {
	Locker      services.OrderLocker
	Payments    PaymentGateway
	Settlements services.SettlementPublisher
	Storage     EvidenceStorage
	Build       services.BuildInfo
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if collab.Payments == nil {
		return nil, errors.New("payment gateway is required")
	}
	if collab.Clock == nil {
		collab.Clock = time.Now
	}

	svc, err := buildServices(reg, cfg, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	var svc Services

	returnSvc, err := services.NewReturnRequestService(services.ReturnRequestServiceDeps{
		Requests:       reg.ReturnRequests(),
		Orders:         reg.Orders(),
		Prices:         reg.Prices(),
		ExchangeOrders: reg.ExchangeOrders(),
		UnitOfWork:     reg,
		Locker:         collab.Locker,
		Payments:       collab.Payments,
		Settlements:    collab.Settlements,
		Policy: services.ReturnPolicy{
			Window:               time.Duration(cfg.Returns.WindowDays) * 24 * time.Hour,
			BaseShippingFee:      cfg.Returns.BaseShippingFee,
			ProcessingFeePercent: cfg.Returns.ProcessingFeePercent,
			StrictInvariants:     cfg.Returns.StrictInvariants,
		},
		Clock:  collab.Clock,
		Logger: collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build return request service: %w", err)
	}
	svc.Returns = returnSvc

	if collab.Storage != nil && cfg.Storage.EvidenceBucket != "" {
		evidenceSvc, err := services.NewEvidenceService(services.EvidenceServiceDeps{
			Storage: collab.Storage,
			Orders:  reg.Orders(),
			Bucket:  cfg.Storage.EvidenceBucket,
			URLTTL:  cfg.Storage.SignedURLTTL,
			MaxSize: cfg.Storage.MaxEvidenceSize,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build evidence service: %w", err)
		}
		svc.Evidence = evidenceSvc
	}

	voucherSvc, err := services.NewVoucherLedgerService(services.VoucherLedgerServiceDeps{
		Vouchers: reg.Vouchers(),
		Clock:    collab.Clock,
		Logger:   collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build voucher ledger service: %w", err)
	}
	svc.Vouchers = voucherSvc

	settlementSvc, err := services.NewSettlementProcessor(services.SettlementProcessorDeps{
		Records:  reg.Settlements(),
		Payments: collab.Payments,
		Clock:    collab.Clock,
		Logger:   collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement processor: %w", err)
	}
	svc.Settlements = settlementSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := collab.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            collab.Clock,
			Build:            build,
			Returns:          reg.ReturnRequests(),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
