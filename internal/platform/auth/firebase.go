package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hanko-field/returns/internal/platform/config"
)

// FirebaseVerifier verifies customer and staff ID tokens with the Admin SDK. The SDK honours
// FIREBASE_AUTH_EMULATOR_HOST on its own.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	checkRevoked bool
}

func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client, checkRevoked: cfg.CheckRevoked}, nil
}

// VerifyIDToken checks signature, expiry and audience. With revocation checks on, a revoked or
// disabled account is reported as an invalid token.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	if v.checkRevoked {
		return v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
