// Package signing manages delegated session keys: encrypted key
// material, the permission grants attached to it, and signing on
// behalf of a workflow execution.
package signing

import (
	"math/big"
	"strings"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// SpendLimits bounds what a session key may move. Amounts are decimal
// strings in base units. MaxPerDay is declared in the schema but not
// yet enforced; enforcement needs a per-day spend ledger.
type SpendLimits struct {
	MaxPerTx  string `json:"max_per_tx,omitempty"`
	MaxPerDay string `json:"max_per_day,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// Permissions describes what a grant allows.
type Permissions struct {
	AllowedTargets []string     `json:"allowed_targets"`
	SpendLimits    *SpendLimits `json:"spend_limits,omitempty"`
}

// Grant is one delegated session key with its permission envelope.
// The private key is stored encrypted; only the resolver ever holds
// plaintext key bytes, and only for the duration of a signature.
type Grant struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	PublicAddress     string            `json:"public_address"`
	EncryptedKey      []byte            `json:"-"`
	EncryptionContext map[string]string `json:"-"`
	Permissions       Permissions       `json:"permissions"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Revoked           bool              `json:"revoked"`
	Description       string            `json:"description,omitempty"`
	CreatedAt         int64             `json:"created_at"`
}

// Active reports whether the grant is usable at the given instant.
func (g *Grant) Active(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// AllowsTarget reports whether the grant whitelists the contract
// address. Comparison is case-insensitive on the hex form.
func (g *Grant) AllowsTarget(target string) bool {
	for _, allowed := range g.Permissions.AllowedTargets {
		if strings.EqualFold(allowed, target) {
			return true
		}
	}
	return false
}

// AllowsValue checks the per-transaction spend limit. An absent limit
// permits any value. Once a limit is declared the check fails closed:
// a malformed limit denies, and so does an unknown (nil) value, since
// a capped key must never sign for an amount it cannot bound.
func (g *Grant) AllowsValue(value *big.Int) bool {
	if g.Permissions.SpendLimits == nil || g.Permissions.SpendLimits.MaxPerTx == "" {
		return true
	}
	limit, ok := new(big.Int).SetString(g.Permissions.SpendLimits.MaxPerTx, 10)
	if !ok {
		return false
	}
	if value == nil {
		return false
	}
	return value.Cmp(limit) <= 0
}

const (
	CodeGrantNotFound xerrors.Code = "GRANT_NOT_FOUND"
	CodeGrantDenied   xerrors.Code = "GRANT_DENIED"
	CodeVaultFailure  xerrors.Code = "VAULT_FAILURE"
	CodeKeyMismatch   xerrors.Code = "KEY_ADDRESS_MISMATCH"
)

var (
	// ErrGrantNotFound marks a grant ID that does not exist.
	ErrGrantNotFound = xerrors.New(CodeGrantNotFound, "grant not found")
	// ErrGrantDenied marks an execution no valid grant covers.
	ErrGrantDenied = xerrors.New(CodeGrantDenied, "no valid grant for this execution")
)

func init() {
	xerrors.Register(CodeGrantNotFound, xerrors.Attributes{
		Message:   "grant not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGrantDenied, xerrors.Attributes{
		Message:   "no valid grant for this execution",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVaultFailure, xerrors.Attributes{
		Message:   "vault operation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeKeyMismatch, xerrors.Attributes{
		Message:   "decrypted key does not match grant address",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
