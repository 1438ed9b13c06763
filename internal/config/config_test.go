// README: Tests for env-driven configuration.
package config

import (
	"errors"
	"testing"
	"time"

	"farmdrop/internal/modules/ledger"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.Kafka.PayoutTopic != "payout-pending" || cfg.Kafka.RefundTopic != "refund-requested" {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	want := ledger.DefaultRates()
	got := cfg.Ledger.Rates()
	if !got.FarmerShare.Equal(want.FarmerShare) || !got.DeliveryFee.Equal(want.DeliveryFee) || got.Currency != want.Currency {
		t.Fatalf("rates %+v, want %+v", got, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FARMDROP_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("FARMDROP_DELIVERY_FEE", "8.25")
	t.Setenv("FARMDROP_LOCK_TTL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Ledger.DeliveryFee.String() != "8.25" {
		t.Fatalf("delivery fee %s", cfg.Ledger.DeliveryFee)
	}
	if cfg.Redis.LockTTL != 30*time.Second {
		t.Fatalf("lock ttl %s", cfg.Redis.LockTTL)
	}
}

func TestLoadRejectsSharesNotSummingToOne(t *testing.T) {
	t.Setenv("FARMDROP_PLATFORM_FEE", "0.20")
	if _, err := Load(); !errors.Is(err, ledger.ErrInvalidRates) {
		t.Fatalf("expected ErrInvalidRates, got %v", err)
	}
}
