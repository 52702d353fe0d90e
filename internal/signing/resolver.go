package signing

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/pkg/logger"
)

// Resolver finds the grant covering an execution and produces
// signatures with the grant's session key.
type Resolver struct {
	store Store
	vault Vault
	log   *slog.Logger
	audit *slog.Logger
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger overrides the default component logger.
func WithResolverLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// NewResolver builds a Resolver over the given store and vault.
func NewResolver(store Store, vault Vault, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store: store,
		vault: vault,
		log:   logger.Named("signing"),
		audit: logger.Audit(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindValidGrant returns the first of the user's grants that is
// unexpired, whitelists the target contract, and permits the value
// under its per-transaction limit. A nil grant with a nil error means
// no grant qualifies; the caller decides whether that is fatal.
func (r *Resolver) FindValidGrant(ctx context.Context, userID, target string, value *big.Int) (*Grant, error) {
	grants, err := r.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, grant := range grants {
		if !grant.Active(now) {
			continue
		}
		if !grant.AllowsTarget(target) {
			continue
		}
		if !grant.AllowsValue(value) {
			r.log.Debug("grant rejected by spend limit",
				"grant_id", grant.ID, "target", target)
			continue
		}
		r.audit.Info("grant selected",
			"grant_id", grant.ID, "user_id", userID, "target", target)
		return grant, nil
	}
	r.audit.Warn("no valid grant",
		"user_id", userID, "target", target, "candidates", len(grants))
	return nil, nil
}

// SignQuote decrypts the grant's session key, verifies the derived
// address matches the grant, signs the quote ID, and zeroes the key
// bytes before returning.
func (r *Resolver) SignQuote(ctx context.Context, grant *Grant, quoteID string) ([]byte, error) {
	keyBytes, err := r.vault.Decrypt(ctx, grant.EncryptedKey, grant.EncryptionContext)
	if err != nil {
		return nil, err
	}
	defer zero(keyBytes)

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "parse session key")
	}
	defer key.D.SetInt64(0)

	derived := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(derived.Hex(), grant.PublicAddress) {
		return nil, xerrors.New(CodeKeyMismatch,
			fmt.Sprintf("derived %s, grant holds %s", derived.Hex(), grant.PublicAddress))
	}

	signature, err := crypto.Sign(accounts.TextHash([]byte(quoteID)), key)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "sign quote")
	}

	r.audit.Info("quote signed",
		"grant_id", grant.ID, "address", grant.PublicAddress, "quote_id", quoteID)
	return signature, nil
}

// CreateSessionKey provisions a fresh session key: generates the key
// pair, encrypts the private key under the vault with a context bound
// to the user and address, and stores the grant.
func (r *Resolver) CreateSessionKey(ctx context.Context, userID string, permissions Permissions, ttl time.Duration, description string) (*Grant, error) {
	if ttl <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "grant TTL must be positive")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "generate session key")
	}
	keyBytes := crypto.FromECDSA(key)
	defer zero(keyBytes)
	defer key.D.SetInt64(0)

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	encContext := map[string]string{
		"user_id": userID,
		"address": address,
	}

	encrypted, err := r.vault.Encrypt(ctx, keyBytes, encContext)
	if err != nil {
		return nil, err
	}

	grant := &Grant{
		ID:                uuid.NewString(),
		UserID:            userID,
		PublicAddress:     address,
		EncryptedKey:      encrypted,
		EncryptionContext: encContext,
		Permissions:       permissions,
		ExpiresAt:         time.Now().Add(ttl),
		Description:       description,
	}
	if err := r.store.Create(ctx, grant); err != nil {
		return nil, err
	}

	r.audit.Info("session key provisioned",
		"grant_id", grant.ID, "user_id", userID, "address", address,
		"expires_at", grant.ExpiresAt)
	return grant, nil
}

// Revoke disables a grant immediately.
func (r *Resolver) Revoke(ctx context.Context, grantID string) error {
	if err := r.store.Revoke(ctx, grantID); err != nil {
		return err
	}
	r.audit.Info("grant revoked", "grant_id", grantID)
	return nil
}

// ListActive returns the user's usable grants.
func (r *Resolver) ListActive(ctx context.Context, userID string) ([]*Grant, error) {
	return r.store.ListActiveByUser(ctx, userID)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
