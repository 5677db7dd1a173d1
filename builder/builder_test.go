package builder_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/signature"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func params(from common.Address) builder.Params {
	return builder.Params{
		From:    from,
		To:      common.HexToAddress("0xC"),
		Relayer: common.HexToAddress("0x1"),
		Gas:     100000,
		Nonce:   3,
		Data:    []byte("promise"),
	}
}

func TestBuildSignsCanonicalHash(t *testing.T) {
	keys := builder.NewStaticKeys()
	from := keys.Add(newKey(t))
	b := builder.New(keys, nil)

	req, err := b.Build(context.Background(), params(from))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	signer, err := signature.RecoverRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if signer != from {
		t.Errorf("signer = %s, want %s", signer.Hex(), from.Hex())
	}
	if req.Nonce != 3 || req.Gas != 100000 {
		t.Errorf("unexpected tuple: %+v", req)
	}
}

func TestRebuildChangesRelayerAndSignature(t *testing.T) {
	keys := builder.NewStaticKeys()
	from := keys.Add(newKey(t))
	b := builder.New(keys, nil)
	ctx := context.Background()

	first, err := b.Build(ctx, params(from))
	if err != nil {
		t.Fatal(err)
	}

	fallback := common.HexToAddress("0x2")
	second, err := b.Rebuild(ctx, first, fallback)
	if err != nil {
		t.Fatal(err)
	}

	if second.Relayer != fallback {
		t.Errorf("relayer = %s, want %s", second.Relayer.Hex(), fallback.Hex())
	}
	if second.Nonce != first.Nonce {
		t.Errorf("nonce changed: %d -> %d", first.Nonce, second.Nonce)
	}
	if string(second.Signature) == string(first.Signature) {
		t.Error("rebuilt request reused the old signature")
	}
	if signature.Verify(second.Hash(), first.Signature, from) {
		t.Error("old signature must not cover the new relayer")
	}
}

func TestBuildUnknownAccount(t *testing.T) {
	b := builder.New(builder.NewStaticKeys(), nil)

	_, err := b.Build(context.Background(), params(common.HexToAddress("0xA")))
	if !errors.Is(err, metatx.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}

func TestBuildNilKeySource(t *testing.T) {
	b := builder.New(nil, nil)

	_, err := b.Build(context.Background(), params(common.HexToAddress("0xA")))
	if !errors.Is(err, metatx.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}

// wrongKey signs every hash with a fixed key regardless of the account asked for.
type wrongKey struct{ key *ecdsa.PrivateKey }

func (w wrongKey) SignHash(_ context.Context, _ common.Address, hash common.Hash) ([]byte, error) {
	return signature.Sign(hash, w.key)
}

func TestBuildRejectsMismatchedKey(t *testing.T) {
	b := builder.New(wrongKey{key: newKey(t)}, nil)
	from := crypto.PubkeyToAddress(newKey(t).PublicKey)

	_, err := b.Build(context.Background(), params(from))
	if !errors.Is(err, metatx.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}

func TestKeystoreSource(t *testing.T) {
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	acct, err := ks.ImportECDSA(newKey(t), "secret")
	if err != nil {
		t.Fatal(err)
	}

	src := builder.NewKeystoreSource(ks, func(context.Context, common.Address) (string, error) {
		return "secret", nil
	})
	b := builder.New(src, nil)

	req, err := b.Build(context.Background(), params(acct.Address))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !signature.Verify(req.Hash(), req.Signature, acct.Address) {
		t.Error("keystore signature does not verify")
	}

	bad := builder.NewKeystoreSource(ks, func(context.Context, common.Address) (string, error) {
		return "wrong", nil
	})
	if _, err := builder.New(bad, nil).Build(context.Background(), params(acct.Address)); !errors.Is(err, metatx.ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable for wrong passphrase, got %v", err)
	}
}
