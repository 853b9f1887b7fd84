package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("API_KEYS", "")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("expected no API keys when unset, got %v", cfg.APIKeys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.MaxBatchOrders != 1000 {
		t.Fatalf("expected max batch 1000, got %d", cfg.Policy.MaxBatchOrders)
	}
	if cfg.Policy.ProcessingTimeout().Minutes() != 5 {
		t.Fatalf("expected 5 minute processing timeout, got %s", cfg.Policy.ProcessingTimeout())
	}
	if cfg.Policy.RetentionDays != 30 {
		t.Fatalf("expected 30 day retention, got %d", cfg.Policy.RetentionDays)
	}
	if cfg.Policy.PaymentKeywords[7] != "stcpay" {
		t.Fatalf("expected keyword table default for mode 7, got %q", cfg.Policy.PaymentKeywords[7])
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
policy:
  max_batch_orders: 250
  allowed_statuses: [103]
  fallback_payment_method_id: 9
  payment_keywords:
    9: "voucher"
  product_checks:
    same_company: false
pull_sync:
  url: "https://pos.example.test/orders"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_BATCH_ORDERS", "300")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.MaxBatchOrders != 300 {
		t.Fatalf("expected env to win with 300, got %d", cfg.Policy.MaxBatchOrders)
	}
	if len(cfg.Policy.AllowedStatuses) != 1 || cfg.Policy.AllowedStatuses[0] != 103 {
		t.Fatalf("unexpected statuses %v", cfg.Policy.AllowedStatuses)
	}
	if cfg.Policy.FallbackPaymentMethodID != 9 {
		t.Fatalf("expected fallback 9, got %d", cfg.Policy.FallbackPaymentMethodID)
	}
	if cfg.Policy.PaymentKeywords[9] != "voucher" || cfg.Policy.PaymentKeywords[1] != "cash" {
		t.Fatalf("expected keyword table merged, got %v", cfg.Policy.PaymentKeywords)
	}
	if cfg.Policy.ProductChecks.SameCompany || !cfg.Policy.ProductChecks.Active {
		t.Fatalf("expected only same_company disabled, got %+v", cfg.Policy.ProductChecks)
	}
	if cfg.PullSync.URL != "https://pos.example.test/orders" {
		t.Fatalf("expected pull sync url from file, got %q", cfg.PullSync.URL)
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_BATCH_ORDERS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid max batch to be rejected")
	}
}
