package extension_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay"
	"github.com/xraph/metarelay/api"
	"github.com/xraph/metarelay/builder"
	"github.com/xraph/metarelay/endpoint"
	"github.com/xraph/metarelay/extension"
	"github.com/xraph/metarelay/ledger/simulated"
	"github.com/xraph/metarelay/store/memory"
	"github.com/xraph/metarelay/verifier"
)

var relayer = common.HexToAddress("0x0FE1")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger() *simulated.Ledger {
	return simulated.New(verifier.New(memory.New(), nil, nil))
}

func TestInitRequiresStore(t *testing.T) {
	ext := extension.New(extension.WithLogger(quietLogger()))
	if err := ext.Init(context.Background()); !errors.Is(err, metarelay.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestInitRequiresASide(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithLogger(quietLogger()),
	)
	if err := ext.Init(context.Background()); !errors.Is(err, extension.ErrNothingEnabled) {
		t.Fatalf("expected ErrNothingEnabled, got %v", err)
	}
}

func TestOperatorOnly(t *testing.T) {
	cfg := extension.DefaultConfig()
	cfg.ChainID = 7

	ext := extension.New(
		extension.WithConfig(cfg),
		extension.WithStore(memory.New()),
		extension.WithLedger(newLedger()),
		extension.WithIdentity(relayer),
		extension.WithLogger(quietLogger()),
	)
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ext.Relay() == nil {
		t.Fatal("expected operator to be built")
	}
	if ext.Client() != nil {
		t.Fatal("expected no client without keys")
	}
	if err := ext.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}

	srv := httptest.NewServer(ext.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/relay/v1/identity")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("identity status = %d", resp.StatusCode)
	}
	var got api.IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Identity != relayer {
		t.Errorf("identity = %s, want %s", got.Identity, relayer)
	}
	if got.ChainID != 7 {
		t.Errorf("chain_id = %d, want 7", got.ChainID)
	}

	dlqResp, err := http.Get(srv.URL + "/relay/v1/dlq")
	if err != nil {
		t.Fatal(err)
	}
	dlqResp.Body.Close()
	if dlqResp.StatusCode != http.StatusNotFound {
		t.Errorf("dlq status without client = %d, want 404", dlqResp.StatusCode)
	}
}

func TestClientSideMountsNodeRoutes(t *testing.T) {
	cfg := extension.DefaultConfig()
	cfg.BasePath = "/meta/"
	cfg.Relayers = endpoint.Config{
		Primary: endpoint.Endpoint{Name: "remote", URL: "http://relayer.invalid", Identity: relayer},
		Timeout: time.Minute,
	}

	l := newLedger()
	ext := extension.New(
		extension.WithConfig(cfg),
		extension.WithStore(memory.New()),
		extension.WithLedger(l),
		extension.WithKeys(builder.NewStaticKeys()),
		extension.WithLogger(quietLogger()),
	)
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ext.Relay() != nil {
		t.Fatal("expected no operator without an identity")
	}
	if ext.Client() == nil {
		t.Fatal("expected client to be built")
	}

	srv := httptest.NewServer(ext.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/meta/v1/dlq")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("dlq status = %d, want 200", resp.StatusCode)
	}

	idResp, err := http.Get(srv.URL + "/meta/v1/identity")
	if err != nil {
		t.Fatal(err)
	}
	idResp.Body.Close()
	if idResp.StatusCode != http.StatusNotFound {
		t.Errorf("identity status without operator = %d, want 404", idResp.StatusCode)
	}

	if err := ext.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := extension.DefaultConfig()
	if cfg.BasePath != "/relay" {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if len(cfg.ToRelayOptions()) == 0 {
		t.Error("expected relay options from defaults")
	}

	cfg.Relayers.Primary = endpoint.Endpoint{URL: "http://a", Identity: relayer}
	cfg.Relayers.Fallbacks = []endpoint.Endpoint{{URL: "http://a", Identity: relayer}}

	ext := extension.New(
		extension.WithConfig(cfg),
		extension.WithStore(memory.New()),
		extension.WithKeys(builder.NewStaticKeys()),
		extension.WithNonceSource(newLedger()),
		extension.WithLogger(quietLogger()),
	)
	if err := ext.Init(context.Background()); err == nil {
		t.Fatal("expected duplicate relayer endpoints to be rejected")
	}
}
