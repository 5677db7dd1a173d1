package endpoint_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/endpoint"
)

func sampleConfig() endpoint.Config {
	return endpoint.Config{
		Primary: endpoint.Endpoint{Name: "r1", URL: "https://r1.example.com", Identity: common.HexToAddress("0x1")},
		Fallbacks: []endpoint.Endpoint{
			{Name: "r2", URL: "https://r2.example.com", Identity: common.HexToAddress("0x2")},
			{URL: "https://r3.example.com", Identity: common.HexToAddress("0x3")},
		},
	}
}

func TestAtOrder(t *testing.T) {
	cfg := sampleConfig()
	if cfg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", cfg.Len())
	}

	for i, want := range []string{"r1", "r2", common.HexToAddress("0x3").Hex()} {
		ep, ok := cfg.At(i)
		if !ok {
			t.Fatalf("At(%d) missing", i)
		}
		if ep.Label() != want {
			t.Errorf("At(%d).Label() = %q, want %q", i, ep.Label(), want)
		}
	}

	if _, ok := cfg.At(3); ok {
		t.Fatal("At past the fallback list must report false")
	}
	if _, ok := cfg.At(-1); ok {
		t.Fatal("negative index must report false")
	}
}

func TestAttemptTimeoutDefault(t *testing.T) {
	cfg := sampleConfig()
	if cfg.AttemptTimeout() != endpoint.DefaultTimeout {
		t.Fatalf("AttemptTimeout = %v, want default", cfg.AttemptTimeout())
	}
	cfg.Timeout = 30 * time.Second
	if cfg.AttemptTimeout() != 30*time.Second {
		t.Fatalf("AttemptTimeout = %v, want 30s", cfg.AttemptTimeout())
	}
}

func TestValidate(t *testing.T) {
	if err := sampleConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	badURL := sampleConfig()
	badURL.Primary.URL = "not a url"
	var vErr *endpoint.ValidationError
	if err := badURL.Validate(); !errors.As(err, &vErr) || vErr.Field != "primary.url" {
		t.Fatalf("expected primary.url validation error, got %v", err)
	}

	dup := sampleConfig()
	dup.Fallbacks[1].Identity = dup.Primary.Identity
	if err := dup.Validate(); !errors.As(err, &vErr) {
		t.Fatalf("expected duplicate identity error, got %v", err)
	}

	noID := sampleConfig()
	noID.Fallbacks[0].Identity = common.Address{}
	if err := noID.Validate(); !errors.As(err, &vErr) || vErr.Field != "fallbacks[r2].identity" {
		t.Fatalf("expected missing identity error, got %v", err)
	}
}

func TestByIdentity(t *testing.T) {
	cfg := sampleConfig()

	ep, ok := cfg.ByIdentity(common.HexToAddress("0x2"))
	if !ok || ep.Name != "r2" {
		t.Fatalf("ByIdentity(0x2) = %+v, %v", ep, ok)
	}
	if _, ok := cfg.ByIdentity(common.HexToAddress("0x9")); ok {
		t.Fatal("unknown identity should not resolve")
	}
}
