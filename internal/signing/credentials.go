package signing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// CredentialPolicy says what to do when no L2 API credentials are
// configured.
type CredentialPolicy string

const (
	// PolicyRequire fails startup without configured credentials.
	PolicyRequire CredentialPolicy = "require"
	// PolicyDerive recovers the wallet's existing key.
	PolicyDerive CredentialPolicy = "derive"
	// PolicyCreateOrDerive creates a key, falling back to derive when one
	// already exists.
	PolicyCreateOrDerive CredentialPolicy = "create_or_derive"
)

// KeyProvider obtains and installs L2 credentials. Implemented by
// *polymarket.ClobClient.
type KeyProvider interface {
	SetCredentials(auth *crypto.HMACAuth)
	CreateAPIKey(ctx context.Context) (*crypto.HMACAuth, error)
	DeriveAPIKey(ctx context.Context) (*crypto.HMACAuth, error)
}

// EnsureCredentials installs configured credentials on kp or obtains them
// according to policy. Only the key prefix is ever logged.
func EnsureCredentials(ctx context.Context, kp KeyProvider, policy CredentialPolicy, configured *crypto.HMACAuth, logger *slog.Logger) error {
	log := logger.With(slog.String("component", "credentials"))

	if configured.Complete() {
		kp.SetCredentials(configured)
		log.Info("using configured API credentials", slog.String("auth", configured.String()))
		return nil
	}

	var (
		auth *crypto.HMACAuth
		err  error
	)
	switch policy {
	case PolicyRequire:
		return fmt.Errorf("signing: credentials: %w: policy %q needs api_key, api_secret and passphrase", domain.ErrUnauthorized, policy)
	case PolicyDerive:
		auth, err = kp.DeriveAPIKey(ctx)
	case PolicyCreateOrDerive:
		auth, err = kp.CreateAPIKey(ctx)
		if err != nil {
			log.Info("create API key failed, deriving", slog.String("error", err.Error()))
			auth, err = kp.DeriveAPIKey(ctx)
		}
	default:
		return fmt.Errorf("signing: credentials: unknown policy %q", policy)
	}
	if err != nil {
		return fmt.Errorf("signing: credentials: %w", err)
	}

	kp.SetCredentials(auth)
	log.Info("API credentials obtained",
		slog.String("policy", string(policy)),
		slog.String("auth", auth.String()),
	)
	return nil
}
