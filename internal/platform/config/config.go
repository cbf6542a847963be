package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSignedURLTTL        = 15 * time.Minute
	defaultEvidenceMaxSize     = 10 << 20
	defaultRedisAddr           = "localhost:6379"
	defaultLockTTL             = 10 * time.Second
	defaultLockWait            = 3 * time.Second
	defaultSettlementTopic     = "return-settlements"
	defaultReturnWindowDays    = 7
	defaultBaseShippingFee     = 30000
	defaultProcessingFeePct    = 5
	defaultCurrency            = "VND"
	defaultWebhookBurst        = 60
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Storage   StorageConfig
	PSP       PSPConfig
	Redis     RedisConfig
	PubSub    PubSubConfig
	Returns   ReturnsConfig
	Webhooks  WebhookConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	// IdempotencyTTL is how long a POST response is replayable under its Idempotency-Key.
	IdempotencyTTL time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every verification also ask Firebase whether the session was revoked.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig configures evidence uploads.
type StorageConfig struct {
	EvidenceBucket  string
	SignedURLTTL    time.Duration
	MaxEvidenceSize int64
	// SignerEmail and SignerKeyRef identify the service account used to sign upload URLs.
	SignerEmail  string
	SignerKeyRef string
}

// PSPConfig collects secrets for the payment provider.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// RedisConfig configures the per-order lock backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	LockWait time.Duration
}

// PubSubConfig names the settlement topic.
type PubSubConfig struct {
	ProjectID       string
	SettlementTopic string
}

// ReturnsConfig holds return policy tunables.
type ReturnsConfig struct {
	WindowDays           int
	BaseShippingFee      int64
	ProcessingFeePercent int
	Currency             string
	StrictInvariants     bool
}

// WebhookConfig contains webhook throttling parameters.
type WebhookConfig struct {
	AllowedHosts []string
	Burst        int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// environment layers the sources: .env, then the process environment, then the explicit map.
func (o loaderOptions) environment() (map[string]string, error) {
	values, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// EnvironmentValues returns the merged environment Load would see, so bootstrap dependencies
// such as the secret fetcher can be configured from the same sources.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).environment()
}

// WithEnvFile overrides the .env path; an empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secrets that must resolve to a non-empty value. Names use the config
// field path, e.g. "PSP.StripeAPIKey" or "Security.HMAC.Secrets[vouchers]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// Load reads configuration from the layered environment, resolves secret references, and
// validates the result. Malformed numbers, durations and booleans are reported as invalid rather
// than silently replaced by defaults.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := options.environment()
	if err != nil {
		return Config{}, err
	}
	b := &binder{env: env}

	cfg := Config{
		Server: ServerConfig{
			Port:           b.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:    b.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   b.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    b.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			IdempotencyTTL: b.duration("API_SERVER_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Firebase: FirebaseConfig{
			ProjectID:       b.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: b.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    b.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    b.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: b.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			EvidenceBucket:  b.str("API_STORAGE_EVIDENCE_BUCKET", ""),
			SignedURLTTL:    b.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
			MaxEvidenceSize: int64(b.integer("API_STORAGE_EVIDENCE_MAX_BYTES", defaultEvidenceMaxSize)),
			SignerEmail:     b.str("API_STORAGE_SIGNER_EMAIL", ""),
			SignerKeyRef:    b.str("API_STORAGE_SIGNER_KEY", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        b.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: b.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:     b.str("API_REDIS_ADDR", defaultRedisAddr),
			Password: b.str("API_REDIS_PASSWORD", ""),
			DB:       b.integer("API_REDIS_DB", 0),
			LockTTL:  b.duration("API_REDIS_LOCK_TTL", defaultLockTTL),
			LockWait: b.duration("API_REDIS_LOCK_WAIT", defaultLockWait),
		},
		PubSub: PubSubConfig{
			ProjectID:       b.str("API_PUBSUB_PROJECT_ID", ""),
			SettlementTopic: b.str("API_PUBSUB_SETTLEMENT_TOPIC", defaultSettlementTopic),
		},
		Returns: ReturnsConfig{
			WindowDays:           b.integer("API_RETURNS_WINDOW_DAYS", defaultReturnWindowDays),
			BaseShippingFee:      int64(b.integer("API_RETURNS_BASE_SHIPPING_FEE", defaultBaseShippingFee)),
			ProcessingFeePercent: b.integer("API_RETURNS_PROCESSING_FEE_PERCENT", defaultProcessingFeePct),
			Currency:             strings.ToUpper(b.str("API_RETURNS_CURRENCY", defaultCurrency)),
			StrictInvariants:     b.boolean("API_RETURNS_STRICT_INVARIANTS", false),
		},
		Webhooks: WebhookConfig{
			AllowedHosts: b.list("API_WEBHOOK_ALLOWED_HOSTS"),
			Burst:        b.integer("API_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(b.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   b.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  b.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: b.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   b.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         b.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: b.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: b.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     b.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       b.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        b.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}
	applyDerivedDefaults(&cfg)

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if invalid := append(validateConfig(cfg), b.invalid...); len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// applyDerivedDefaults fills values that fall back to other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
}

// resolveSecrets replaces secret references in place and returns every secret-bearing field by
// name, resolved or not, for the required-secrets check.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	targets := map[string]*string{
		"PSP.StripeAPIKey":        &cfg.PSP.StripeAPIKey,
		"PSP.StripeWebhookSecret": &cfg.PSP.StripeWebhookSecret,
		"Redis.Password":          &cfg.Redis.Password,
		"Storage.SignerKeyRef":    &cfg.Storage.SignerKeyRef,
	}
	hmac := make(map[string]*string, len(cfg.Security.HMAC.Secrets))
	for name, value := range cfg.Security.HMAC.Secrets {
		v := value
		hmac[name] = &v
		targets[fmt.Sprintf("Security.HMAC.Secrets[%s]", name)] = &v
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]string, len(targets))
	for _, name := range names {
		field := targets[name]
		if ref := strings.TrimSpace(*field); isSecretReference(ref) {
			ref = normalizeSecretReference(ref)
			value, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*field = value
		}
		resolved[name] = strings.TrimSpace(*field)
	}
	for name, value := range hmac {
		cfg.Security.HMAC.Secrets[name] = *value
	}
	return resolved, nil
}

func validateConfig(cfg Config) []string {
	checks := []struct {
		field string
		ok    bool
	}{
		{"Server.Port", cfg.Server.Port != ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID != ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID != ""},
		{"Storage.EvidenceBucket", cfg.Storage.EvidenceBucket != ""},
		{"Storage.SignedURLTTL", cfg.Storage.SignedURLTTL > 0},
		{"Redis.Addr", cfg.Redis.Addr != ""},
		{"Redis.LockTTL", cfg.Redis.LockTTL > 0},
		{"PubSub.SettlementTopic", cfg.PubSub.SettlementTopic != ""},
		{"Returns.WindowDays", cfg.Returns.WindowDays > 0},
		{"Returns.BaseShippingFee", cfg.Returns.BaseShippingFee >= 0},
		{"Returns.ProcessingFeePercent", cfg.Returns.ProcessingFeePercent >= 0 && cfg.Returns.ProcessingFeePercent <= 100},
		{"Returns.Currency", len(cfg.Returns.Currency) == 3},
	}
	var invalid []string
	for _, c := range checks {
		if !c.ok {
			invalid = append(invalid, c.field)
		}
	}
	return invalid
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]bool, len(required))
	var missing []missingSecret
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if resolved[name] == "" {
			missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

// normalizeSecretReference rewrites the legacy sm:// scheme to secret://.
func normalizeSecretReference(value string) string {
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

// binder reads typed values from the merged environment. Blank values count as unset; malformed
// ones are collected in invalid and the default is used so loading can report them all at once.
type binder struct {
	env     map[string]string
	invalid []string
}

func (b *binder) lookup(key string) (string, bool) {
	value := strings.TrimSpace(b.env[key])
	return value, value != ""
}

func (b *binder) str(key, fallback string) string {
	if value, ok := b.lookup(key); ok {
		return value
	}
	return fallback
}

func (b *binder) duration(key string, fallback time.Duration) time.Duration {
	return bindParsed(b, key, fallback, time.ParseDuration)
}

func (b *binder) integer(key string, fallback int) int {
	return bindParsed(b, key, fallback, strconv.Atoi)
}

func (b *binder) boolean(key string, fallback bool) bool {
	return bindParsed(b, key, fallback, func(raw string) (bool, error) {
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", raw)
	})
}

func bindParsed[T any](b *binder, key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := b.lookup(key)
	if !ok {
		return fallback
	}
	value, err := parse(raw)
	if err != nil {
		b.invalid = append(b.invalid, key)
		return fallback
	}
	return value
}

// list splits a comma separated value, dropping blanks.
func (b *binder) list(key string) []string {
	out := []string{}
	raw, _ := b.lookup(key)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower-cased names. Entries missing either side are
// skipped.
func (b *binder) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range b.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
