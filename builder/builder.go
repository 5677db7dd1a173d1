// Package builder constructs and signs forward requests on behalf of the
// authorizing identity.
package builder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/signature"
)

// KeySource signs hashes for the accounts it holds. Implementations must
// confine key material to the duration of a single call.
type KeySource interface {
	SignHash(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error)
}

// Params describes the request to build. Nonce is fetched from the nonce
// store by the caller.
type Params struct {
	From    common.Address
	To      common.Address
	Relayer common.Address
	Gas     uint64
	Nonce   uint64
	Data    []byte
}

// Builder produces signed forward requests.
type Builder struct {
	keys   KeySource
	logger *slog.Logger
}

// New creates a Builder signing with keys.
func New(keys KeySource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{keys: keys, logger: logger}
}

// Build assembles a request from p and signs its canonical hash with the key
// of p.From.
func (b *Builder) Build(ctx context.Context, p Params) (*metatx.ForwardRequest, error) {
	req := &metatx.ForwardRequest{
		From:    p.From,
		To:      p.To,
		Relayer: p.Relayer,
		Gas:     p.Gas,
		Nonce:   p.Nonce,
		Data:    common.CopyBytes(p.Data),
	}
	return b.sign(ctx, req)
}

// Rebuild re-authorizes prev for a different relayer. The nonce and payload
// are unchanged; the signature is new because it covers the relayer.
func (b *Builder) Rebuild(ctx context.Context, prev *metatx.ForwardRequest, relayer common.Address) (*metatx.ForwardRequest, error) {
	return b.sign(ctx, prev.WithRelayer(relayer))
}

func (b *Builder) sign(ctx context.Context, req *metatx.ForwardRequest) (*metatx.ForwardRequest, error) {
	if b.keys == nil {
		return nil, fmt.Errorf("%w: no key source", metatx.ErrSigningUnavailable)
	}

	hash := req.Hash()
	sig, err := b.keys.SignHash(ctx, req.From, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metatx.ErrSigningUnavailable, err)
	}

	signer, err := signature.Recover(hash, sig)
	if err != nil || signer != req.From {
		return nil, fmt.Errorf("%w: key source signed as %s", metatx.ErrSigningUnavailable, signer.Hex())
	}

	b.logger.DebugContext(ctx, "forward request signed",
		"from", req.From.Hex(),
		"relayer", req.Relayer.Hex(),
		"nonce", req.Nonce,
		"hash", hash.Hex(),
	)

	return req.WithSignature(sig), nil
}
