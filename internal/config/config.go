package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Knobs are env vars (optionally from a .env file) prefixed MESHWIRE_.
// Invalid bounds are fatal at startup; everything else falls back to the
// defaults below.

const (
	DefaultListenAddr        = "127.0.0.1:7433"
	DefaultNetworkID         = "meshwire-mainnet"
	DefaultBucketSize        = 20
	DefaultClosestFanout     = 8
	DefaultTTL               = 8
	DefaultDedupWindow       = 5 * time.Minute
	DefaultDedupCapacity     = 8192
	DefaultStoreGlobalBytes  = 32 << 20
	DefaultStorePerPeerBytes = 1 << 20
	DefaultStoreExpiry       = 6 * time.Hour
	DefaultDiscoveryInterval = 30 * time.Second
	DefaultLowWaterMark      = 8
	DefaultSendTimeout       = 10 * time.Second
	DefaultSubscriberBuffer  = 256
	DefaultFailThreshold     = 5
	DefaultBanDuration       = 10 * time.Minute
)

type Config struct {
	Home       string
	ListenAddr string
	NetworkID  string
	Seeds      []string
	Debug      bool

	BucketSize    int
	ClosestFanout int
	DefaultTTL    int
	FailThreshold int
	BanDuration   time.Duration

	DedupWindow   time.Duration
	DedupCapacity int

	StoreGlobalBytes  int64
	StorePerPeerBytes int64
	StoreExpiry       time.Duration

	DiscoveryInterval time.Duration
	LowWaterMark      int

	SendTimeout      time.Duration
	SubscriberBuffer int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	home := getEnv("MESHWIRE_HOME", "")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		home = filepath.Join(userHome, ".meshwire")
	}
	cfg := &Config{
		Home:              home,
		ListenAddr:        getEnv("MESHWIRE_LISTEN_ADDR", DefaultListenAddr),
		NetworkID:         getEnv("MESHWIRE_NETWORK_ID", DefaultNetworkID),
		Seeds:             splitList(getEnv("MESHWIRE_SEEDS", "")),
		Debug:             getEnv("MESHWIRE_DEBUG", "") == "1",
		BucketSize:        getEnvInt("MESHWIRE_BUCKET_SIZE", DefaultBucketSize),
		ClosestFanout:     getEnvInt("MESHWIRE_CLOSEST_FANOUT", DefaultClosestFanout),
		DefaultTTL:        getEnvInt("MESHWIRE_DEFAULT_TTL", DefaultTTL),
		FailThreshold:     getEnvInt("MESHWIRE_FAIL_THRESHOLD", DefaultFailThreshold),
		BanDuration:       getEnvDuration("MESHWIRE_BAN_DURATION", DefaultBanDuration),
		DedupWindow:       getEnvDuration("MESHWIRE_DEDUP_WINDOW", DefaultDedupWindow),
		DedupCapacity:     getEnvInt("MESHWIRE_DEDUP_CAPACITY", DefaultDedupCapacity),
		StoreGlobalBytes:  getEnvInt64("MESHWIRE_STORE_GLOBAL_BYTES", DefaultStoreGlobalBytes),
		StorePerPeerBytes: getEnvInt64("MESHWIRE_STORE_PER_PEER_BYTES", DefaultStorePerPeerBytes),
		StoreExpiry:       getEnvDuration("MESHWIRE_STORE_EXPIRY", DefaultStoreExpiry),
		DiscoveryInterval: getEnvDuration("MESHWIRE_DISCOVERY_INTERVAL", DefaultDiscoveryInterval),
		LowWaterMark:      getEnvInt("MESHWIRE_LOW_WATER_MARK", DefaultLowWaterMark),
		SendTimeout:       getEnvDuration("MESHWIRE_SEND_TIMEOUT", DefaultSendTimeout),
		SubscriberBuffer:  getEnvInt("MESHWIRE_SUBSCRIBER_BUFFER", DefaultSubscriberBuffer),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"bucket size", c.BucketSize > 0},
		{"closest fanout", c.ClosestFanout > 0},
		{"default ttl", c.DefaultTTL > 0 && c.DefaultTTL <= 255},
		{"fail threshold", c.FailThreshold > 0},
		{"ban duration", c.BanDuration > 0},
		{"dedup window", c.DedupWindow > 0},
		{"dedup capacity", c.DedupCapacity > 0},
		{"store global bytes", c.StoreGlobalBytes > 0},
		{"store per-peer bytes", c.StorePerPeerBytes > 0},
		{"store expiry", c.StoreExpiry > 0},
		{"discovery interval", c.DiscoveryInterval > 0},
		{"low-water mark", c.LowWaterMark >= 0},
		{"send timeout", c.SendTimeout > 0},
		{"subscriber buffer", c.SubscriberBuffer > 0},
		{"network id", c.NetworkID != ""},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("invalid %s", chk.name)
		}
	}
	if c.StorePerPeerBytes > c.StoreGlobalBytes {
		return fmt.Errorf("per-peer store bound exceeds global bound")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
