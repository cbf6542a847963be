package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// Signer signs the canonical request of a V4 signed URL on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs locally with a service account JSON key.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySignerFromJSON parses a service account key as issued by IAM.
func NewKeySignerFromJSON(data []byte) (*KeySigner, error) {
	if len(data) == 0 {
		return nil, errors.New("storage: service account key is empty")
	}
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("storage: parse service account key: %w", err)
	}
	email := strings.TrimSpace(cfg.Email)
	if email == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	key, err := decodeRSAKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: key}, nil
}

func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes produces an RSASSA-PKCS1-v1_5 SHA-256 signature.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: key signer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func decodeRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("storage: private key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes); pkcs1Err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("storage: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("storage: private key is not RSA")
	}
	return key, nil
}

// IAMSigner signs through the IAM Credentials API so no key material leaves IAM. The runtime
// identity needs roles/iam.serviceAccountTokenCreator on the target account.
type IAMSigner struct {
	email string
	blobs *iamcredentials.ProjectsServiceAccountsService
}

// NewIAMSigner builds a keyless signer for email.
func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer email is required")
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: iam credentials client: %w", err)
	}
	return &IAMSigner{email: email, blobs: svc.Projects.ServiceAccounts}, nil
}

func (s *IAMSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.blobs == nil {
		return nil, errors.New("storage: iam signer not initialised")
	}
	resp, err := s.blobs.SignBlob("projects/-/serviceAccounts/"+s.email, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("storage: sign blob: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("storage: decode signed blob: %w", err)
	}
	return sig, nil
}
