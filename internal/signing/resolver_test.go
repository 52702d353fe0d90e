package signing

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

const testVaultKey = "2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c"

func newTestResolver(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	vault, err := NewLocalVault(testVaultKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	store := NewMemoryStore()
	return NewResolver(store, vault), store
}

func TestLocalVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	vault, err := NewLocalVault(testVaultKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	plaintext := []byte("session key material")
	encCtx := map[string]string{"user_id": "u1", "address": "0xaa"}

	sealed, err := vault.Encrypt(ctx, plaintext, encCtx)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := vault.Decrypt(ctx, sealed, encCtx)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("round trip mismatch")
	}

	// 加密上下文不一致时解密必须失败。
	if _, err := vault.Decrypt(ctx, sealed, map[string]string{"user_id": "u2", "address": "0xaa"}); err == nil {
		t.Fatal("expected decryption to fail with wrong context")
	}
	if _, err := vault.Decrypt(ctx, sealed, nil); err == nil {
		t.Fatal("expected decryption to fail with missing context")
	}
}

func TestCreateSessionKeyAndSignQuote(t *testing.T) {
	ctx := context.Background()
	resolver, _ := newTestResolver(t)

	grant, err := resolver.CreateSessionKey(ctx, "u1", Permissions{
		AllowedTargets: []string{"0x00000000000000000000000000000000000000cc"},
	}, time.Hour, "test key")
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	if grant.PublicAddress == "" || len(grant.EncryptedKey) == 0 {
		t.Fatalf("incomplete grant: %+v", grant)
	}

	quoteID := "quote-123"
	signature, err := resolver.SignQuote(ctx, grant, quoteID)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}

	// 签名能恢复出授权地址。
	pubKey, err := crypto.SigToPub(accounts.TextHash([]byte(quoteID)), signature)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey).Hex()
	if !strings.EqualFold(recovered, grant.PublicAddress) {
		t.Fatalf("signature recovers %s, grant holds %s", recovered, grant.PublicAddress)
	}
}

func TestSignQuoteDetectsAddressMismatch(t *testing.T) {
	ctx := context.Background()
	resolver, _ := newTestResolver(t)

	grant, err := resolver.CreateSessionKey(ctx, "u1", Permissions{}, time.Hour, "")
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	grant.PublicAddress = "0x00000000000000000000000000000000000000ff"

	if _, err := resolver.SignQuote(ctx, grant, "q1"); err == nil {
		t.Fatal("expected key/address mismatch to be rejected")
	}
}

func TestFindValidGrantFiltering(t *testing.T) {
	ctx := context.Background()
	resolver, store := newTestResolver(t)

	target := "0x00000000000000000000000000000000000000CC"

	// 目标不在白名单里的授权。
	if _, err := resolver.CreateSessionKey(ctx, "u1", Permissions{
		AllowedTargets: []string{"0x00000000000000000000000000000000000000dd"},
	}, time.Hour, "wrong target"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 单笔限额过小的授权。
	if _, err := resolver.CreateSessionKey(ctx, "u1", Permissions{
		AllowedTargets: []string{target},
		SpendLimits:    &SpendLimits{MaxPerTx: "500"},
	}, time.Hour, "small limit"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 符合条件的授权：大小写不同的地址也要匹配。
	good, err := resolver.CreateSessionKey(ctx, "u1", Permissions{
		AllowedTargets: []string{strings.ToLower(target)},
		SpendLimits:    &SpendLimits{MaxPerTx: "2000"},
	}, time.Hour, "good")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := resolver.FindValidGrant(ctx, "u1", target, big.NewInt(1000))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != good.ID {
		t.Fatalf("expected grant %s, got %+v", good.ID, found)
	}

	// 没有符合条件的授权时返回 (nil, nil)。
	none, err := resolver.FindValidGrant(ctx, "u1", "0x0000000000000000000000000000000000000000", big.NewInt(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no grant, got %+v", none)
	}

	// 撤销之后立即失效。
	if err := resolver.Revoke(ctx, good.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := resolver.FindValidGrant(ctx, "u1", target, big.NewInt(1000))
	if err != nil {
		t.Fatalf("find after revoke: %v", err)
	}
	if revoked != nil {
		t.Fatal("revoked grant must not be selected")
	}
	_ = store
}

func TestGrantAllowsValue(t *testing.T) {
	grant := &Grant{Permissions: Permissions{}}
	// 没有限额时放行任何数额。
	if !grant.AllowsValue(big.NewInt(1_000_000)) {
		t.Fatal("absent limit must permit")
	}

	grant.Permissions.SpendLimits = &SpendLimits{MaxPerTx: "100"}
	if grant.AllowsValue(big.NewInt(101)) {
		t.Fatal("value above limit must be denied")
	}
	if !grant.AllowsValue(big.NewInt(100)) {
		t.Fatal("value at limit must be permitted")
	}
	// 声明了限额却拿不到数额：拒绝。限额约束不了未知数额。
	if grant.AllowsValue(nil) {
		t.Fatal("unknown value must be denied under a declared limit")
	}
	// 没有限额时未知数额照常放行。
	grant.Permissions.SpendLimits = nil
	if !grant.AllowsValue(nil) {
		t.Fatal("unknown value is permitted when no limit is declared")
	}

	// 配置损坏的限额一律拒绝。
	grant.Permissions.SpendLimits = &SpendLimits{MaxPerTx: "not-a-number"}
	if grant.AllowsValue(big.NewInt(1)) {
		t.Fatal("malformed limit must deny")
	}
}
