package redis

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

func TestHasPattern(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"telemetry:eth-1", false},
		{"telemetry:*", true},
		{"rounds", false},
		{"telemetry:eth-?", true},
	}
	for _, tt := range tests {
		if got := hasPattern(tt.channel); got != tt.want {
			t.Fatalf("hasPattern(%q): expected %v, got %v", tt.channel, tt.want, got)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := lockKey("liquidity-op:1"); got != "lock:liquidity-op:1" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := priceKey("ETH"); got != "price:ETH" {
		t.Fatalf("unexpected price key %q", got)
	}
	if got := rateLimitKey("api:1.2.3.4"); got != "ratelimit:api:1.2.3.4" {
		t.Fatalf("unexpected rate limit key %q", got)
	}
}

func TestNormalisePrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"  ", ""},
		{"prod", "prod:"},
		{"prod:", "prod:"},
		{" staging ", "staging:"},
	}
	for _, tt := range tests {
		if got := normalisePrefix(tt.in); got != tt.want {
			t.Fatalf("normalisePrefix(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestParsePriceFields(t *testing.T) {
	price, ts, err := parsePriceFields("ETH", []any{"2450.5", "1700000000000000000"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if price != 2450.5 || ts.UnixNano() != 1700000000000000000 {
		t.Fatalf("unexpected price %v at %v", price, ts)
	}

	for _, vals := range [][]any{{nil, nil}, {"1", nil}, {}} {
		if _, _, err := parsePriceFields("ETH", vals); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for %v, got %v", vals, err)
		}
	}
	if _, _, err := parsePriceFields("ETH", []any{"abc", "1"}); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
}
