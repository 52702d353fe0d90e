package signing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// Vault encrypts and decrypts session-key material. The encryption
// context is bound to the ciphertext: decrypting with a different
// context must fail.
type Vault interface {
	Encrypt(ctx context.Context, plaintext []byte, encContext map[string]string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, encContext map[string]string) ([]byte, error)
}

// LocalVault is an AES-256-GCM vault keyed from configuration. The
// encryption context is fed to GCM as additional authenticated data,
// mirroring KMS semantics.
type LocalVault struct {
	aead cipher.AEAD
}

// NewLocalVault builds a LocalVault from a hex-encoded 32-byte key.
func NewLocalVault(keyHex string) (*LocalVault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode vault key")
	}
	if len(key) != 32 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "init GCM")
	}
	return &LocalVault{aead: aead}, nil
}

// Encrypt implements Vault. The nonce is prepended to the ciphertext.
func (v *LocalVault) Encrypt(_ context.Context, plaintext []byte, encContext map[string]string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "generate nonce")
	}
	aad, err := canonicalContext(encContext)
	if err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt implements Vault.
func (v *LocalVault) Decrypt(_ context.Context, ciphertext []byte, encContext map[string]string) ([]byte, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return nil, xerrors.New(CodeVaultFailure, "ciphertext too short")
	}
	aad, err := canonicalContext(encContext)
	if err != nil {
		return nil, err
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "decrypt key material")
	}
	return plaintext, nil
}

// canonicalContext renders the context map deterministically so the
// same context always produces the same AAD bytes.
func canonicalContext(encContext map[string]string) ([]byte, error) {
	if len(encContext) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(encContext))
	for key := range encContext {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ordered := make([][2]string, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, [2]string{key, encContext[key]})
	}
	return json.Marshal(ordered)
}

var _ Vault = (*LocalVault)(nil)
