package config

import (
	"testing"
	"time"
)

func defaults() *Config {
	return &Config{
		NetworkID:         DefaultNetworkID,
		BucketSize:        DefaultBucketSize,
		ClosestFanout:     DefaultClosestFanout,
		DefaultTTL:        DefaultTTL,
		FailThreshold:     DefaultFailThreshold,
		BanDuration:       DefaultBanDuration,
		DedupWindow:       DefaultDedupWindow,
		DedupCapacity:     DefaultDedupCapacity,
		StoreGlobalBytes:  DefaultStoreGlobalBytes,
		StorePerPeerBytes: DefaultStorePerPeerBytes,
		StoreExpiry:       DefaultStoreExpiry,
		DiscoveryInterval: DefaultDiscoveryInterval,
		LowWaterMark:      DefaultLowWaterMark,
		SendTimeout:       DefaultSendTimeout,
		SubscriberBuffer:  DefaultSubscriberBuffer,
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	mutations := map[string]func(*Config){
		"zero bucket size":      func(c *Config) { c.BucketSize = 0 },
		"negative dedup cap":    func(c *Config) { c.DedupCapacity = -1 },
		"zero store bytes":      func(c *Config) { c.StoreGlobalBytes = 0 },
		"zero ttl":              func(c *Config) { c.DefaultTTL = 0 },
		"oversized ttl":         func(c *Config) { c.DefaultTTL = 300 },
		"empty network id":      func(c *Config) { c.NetworkID = "" },
		"per-peer over global":  func(c *Config) { c.StorePerPeerBytes = c.StoreGlobalBytes + 1 },
		"zero dedup window":     func(c *Config) { c.DedupWindow = 0 },
		"negative send timeout": func(c *Config) { c.SendTimeout = -time.Second },
	}
	for name, mutate := range mutations {
		c := defaults()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("MESHWIRE_HOME", t.TempDir())
	t.Setenv("MESHWIRE_BUCKET_SIZE", "7")
	t.Setenv("MESHWIRE_DEDUP_WINDOW", "90s")
	t.Setenv("MESHWIRE_SEEDS", "1.2.3.4:1, 5.6.7.8:2 ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BucketSize != 7 {
		t.Fatalf("bucket size = %d, want 7", cfg.BucketSize)
	}
	if cfg.DedupWindow != 90*time.Second {
		t.Fatalf("dedup window = %v", cfg.DedupWindow)
	}
	if len(cfg.Seeds) != 2 || cfg.Seeds[1] != "5.6.7.8:2" {
		t.Fatalf("seeds = %v", cfg.Seeds)
	}
}
