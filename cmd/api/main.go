package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/returns/internal/di"
	"github.com/hanko-field/returns/internal/handlers"
	"github.com/hanko-field/returns/internal/payments"
	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/config"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/platform/idempotency"
	"github.com/hanko-field/returns/internal/platform/jobs"
	"github.com/hanko-field/returns/internal/platform/lock"
	"github.com/hanko-field/returns/internal/platform/observability"
	"github.com/hanko-field/returns/internal/platform/secrets"
	platformstorage "github.com/hanko-field/returns/internal/platform/storage"
	"github.com/hanko-field/returns/internal/repositories"
	firestoreRepo "github.com/hanko-field/returns/internal/repositories/firestore"
	"github.com/hanko-field/returns/internal/services"
)

const (
	stripeProviderName = "stripe"
	voucherSecretName  = "vouchers"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	eventLogger := observability.EventLogger(logger.Named("returns"))

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	var firestoreOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		firestoreOpts = append(firestoreOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreOpts...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	settlementTopic := pubsubClient.Topic(cfg.PubSub.SettlementTopic)
	defer settlementTopic.Stop()
	settlementPublisher, err := jobs.NewPubSubSettlementPublisher(settlementTopic)
	if err != nil {
		logger.Fatal("failed to initialise settlement publisher", zap.Error(err))
	}

	orderLocker, err := lock.NewRedisLocker(redisClient,
		lock.WithTTL(cfg.Redis.LockTTL),
		lock.WithWaitTimeout(cfg.Redis.LockWait),
	)
	if err != nil {
		logger.Fatal("failed to initialise order locker", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(
		map[string]payments.Provider{stripeProviderName: stripeProvider},
		payments.WithDefaultProvider(stripeProviderName),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}
	webhookParser, err := payments.NewWebhookParser(cfg.PSP.StripeWebhookSecret, 0)
	if err != nil {
		logger.Fatal("failed to initialise stripe webhook parser", zap.Error(err))
	}

	var evidenceStorage di.EvidenceStorage
	if signer, err := newStorageSigner(ctx, cfg.Storage, cfg.Firebase.CredentialsFile); err != nil {
		logger.Fatal("failed to initialise storage signer", zap.Error(err))
	} else if signer == nil {
		logger.Warn("storage signer not configured; evidence uploads disabled")
	} else {
		signedURLClient, err := platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("failed to initialise signed url client", zap.Error(err))
		}
		evidenceStorage = signedURLClient
	}

	healthRepo, err := newHealthRepository(firestoreProvider, redisClient, settlementTopic)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Collaborators{
		Locker:      orderLocker,
		Payments:    paymentManager,
		Settlements: settlementPublisher,
		Storage:     evidenceStorage,
		Build:       buildInfo,
		Clock:       time.Now,
		Logger:      eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyStore, err := idempotency.NewRedisStore(redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore,
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithTTL(cfg.Server.IdempotencyTTL),
	)

	returnOpts := []handlers.ReturnHandlersOption{handlers.WithReturnIdempotency(idempotencyMiddleware)}
	if container.Services.Evidence != nil {
		returnOpts = append(returnOpts, handlers.WithEvidenceService(container.Services.Evidence))
	}
	returnHandlers := handlers.NewReturnHandlers(authenticator, container.Services.Returns, returnOpts...)

	webhookOpts := []handlers.WebhookOption{
		handlers.WithStripeWebhookParser(webhookParser),
		handlers.WithExchangePayments(container.Services.Returns),
	}
	if hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg, redisClient); hmacMiddleware != nil {
		webhookOpts = append(webhookOpts, handlers.WithSignedVoucherRoutes(hmacMiddleware))
	}
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Vouchers, webhookOpts...)
	settlementHandlers := handlers.NewSettlementHandlers(container.Services.Settlements)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMeRoutes(returnHandlers.CustomerRoutes),
		handlers.WithAdminRoutes(returnHandlers.AdminRoutes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(oidcMiddleware),
			handlers.WithInternalRoutes(settlementHandlers.Routes),
		)
	} else {
		logger.Warn("auth: OIDC JWKS URL not configured; internal routes disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serveErr := make(chan error, 1)
	go func() {
		httpLogger.Info("returns api listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			httpLogger.Error("http server stopped", zap.Error(err))
		}
		return
	case <-stopCtx.Done():
	}
	logger.Info("draining requests")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     cmp.Or(strings.TrimSpace(env["API_BUILD_VERSION"]), "dev"),
		CommitSHA:   cmp.Or(strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]), "unknown"),
		Environment: cmp.Or(strings.TrimSpace(cfg.Security.Environment), "local"),
		StartedAt:   started,
	}
}

// newHealthRepository checks Firestore (critical), Redis and the settlement topic. Readiness fails
// only when a critical dependency is down; the others degrade the report.
func newHealthRepository(provider *pfirestore.Provider, client redis.UniversalClient, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    provider.Ping,
		},
		{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		},
		{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		},
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, logger)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildHMACMiddleware guards the voucher webhooks when a "vouchers" signing secret is configured.
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, client redis.UniversalClient) func(http.Handler) http.Handler {
	secretsByName := make(auth.StaticSecrets)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretsByName[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretsByName[voucherSecretName]; !ok {
		return nil
	}

	validator := auth.NewHMACValidator(secretsByName, auth.NewRedisNonceStore(client),
		auth.WithHMACLogger(logger),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACWindows(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMAC(voucherSecretName)
}

// newStorageSigner prefers an explicit key and falls back to keyless IAM signing. A nil signer
// means evidence uploads are disabled.
func newStorageSigner(ctx context.Context, cfg config.StorageConfig, credentialsFile string) (platformstorage.Signer, error) {
	if keyJSON := strings.TrimSpace(cfg.SignerKeyRef); keyJSON != "" {
		return platformstorage.NewKeySignerFromJSON([]byte(keyJSON))
	}
	if email := strings.TrimSpace(cfg.SignerEmail); email != "" {
		var opts []option.ClientOption
		if credentialsFile = strings.TrimSpace(credentialsFile); credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
		return platformstorage.NewIAMSigner(ctx, email, opts...)
	}
	return nil, nil
}

func traceProjectID(cfg config.Config) string {
	return cmp.Or(strings.TrimSpace(cfg.Firebase.ProjectID), strings.TrimSpace(cfg.Firestore.ProjectID))
}

// newSecretFetcher is built from raw env values because config.Load needs it to resolve secret://
// references.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(cmp.Or(get("API_SECRET_FALLBACK_FILE"), ".secrets.local")),
		secrets.WithMeter(otel.GetMeterProvider().Meter("github.com/hanko-field/returns/cmd/api")),
	}
	if project := cmp.Or(get("API_SECRET_DEFAULT_PROJECT_ID"), get("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := get("API_FIREBASE_CREDENTIALS_FILE"); path != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(path)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the Stripe keys plus every HMAC secret named in
// API_SECURITY_HMAC_SECRETS ("name=secret://ref,...").
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	for _, entry := range strings.Split(env["API_SECURITY_HMAC_SECRETS"], ",") {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(value) == "" {
			continue
		}
		required = append(required, "Security.HMAC.Secrets["+name+"]")
	}
	slices.Sort(required)
	return slices.Compact(required)
}
