package router

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"meshwire/internal/config"
	"meshwire/internal/crypto"
	"meshwire/internal/dedup"
	"meshwire/internal/identity"
	"meshwire/internal/logging"
	"meshwire/internal/metrics"
	"meshwire/internal/routing"
	"meshwire/internal/storefwd"
	"meshwire/internal/transport"
)

var (
	ErrNoRoute  = errors.New("no route to destination")
	ErrShutdown = errors.New("node shut down")
)

const (
	peerBookFile   = "peers.jsonl"
	storedFile     = "stored.jsonl"
	pinCacheSize   = 4096
	maintenanceMin = 5 * time.Second
	maintenanceMax = 5 * time.Minute
)

// CryptoSuite is the capability surface the pipelines consume; the concrete
// suite lives in internal/crypto and is replaceable wholesale.
type CryptoSuite interface {
	PublicKey() identity.PublicKey
	Sign(msg []byte) []byte
	SealTo(recipient identity.PublicKey, plaintext, aad []byte) ([crypto.EphemeralSize]byte, []byte, error)
	OpenFrom(eph [crypto.EphemeralSize]byte, sealed, aad []byte) ([]byte, error)
	SealBroadcast(plaintext, aad []byte) ([]byte, error)
	OpenBroadcast(sealed, aad []byte) ([]byte, error)
}

type Options struct {
	Keys      *identity.Keypair
	Config    *config.Config
	Transport transport.Transport
	Suite     CryptoSuite
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     clock.Clock
}

// Node owns the routing subsystem: the table, the dedup store, and the
// store-and-forward buffer are reached only through its pipelines.
type Node struct {
	id    identity.NodeID
	keys  *identity.Keypair
	cfg   *config.Config
	suite CryptoSuite

	table  *routing.Table
	dedup  *dedup.Store
	buffer *storefwd.Buffer
	tr     transport.Transport
	m      *metrics.Metrics
	log    *zap.Logger
	rl     *logging.RateLimited
	clock  clock.Clock
	subs   *subscribers

	// pins holds trust-on-first-use origin keys. NodeIds are key digests,
	// so a pin mismatch is always a protocol violation, never key rotation.
	pins *lru.Cache[identity.NodeID, identity.PublicKey]

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopped  bool
	wg       sync.WaitGroup
	rand   *rand.Rand
	randMu sync.Mutex
}

func New(opts Options) (*Node, error) {
	if opts.Keys == nil {
		return nil, errors.New("missing keypair")
	}
	if opts.Transport == nil {
		return nil, errors.New("missing transport")
	}
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	suite := opts.Suite
	if suite == nil {
		suite = crypto.NewSuite(opts.Keys, cfg.NetworkID)
	}
	id := opts.Keys.NodeID()

	peerPath, storedPath := "", ""
	if cfg.Home != "" {
		peerPath = filepath.Join(cfg.Home, peerBookFile)
		storedPath = filepath.Join(cfg.Home, storedFile)
	}
	table := routing.NewTable(id, routing.Options{
		BucketSize:    cfg.BucketSize,
		FailThreshold: cfg.FailThreshold,
		BanDuration:   cfg.BanDuration,
		PersistPath:   peerPath,
		Clock:         clk,
		Logger:        log,
	})
	buffer := storefwd.New(storefwd.Options{
		GlobalBytes:  cfg.StoreGlobalBytes,
		PerPeerBytes: cfg.StorePerPeerBytes,
		Expiry:       cfg.StoreExpiry,
		PersistPath:  storedPath,
		Clock:        clk,
		Logger:       log,
	})
	pins, err := lru.New[identity.NodeID, identity.PublicKey](pinCacheSize)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:       id,
		keys:     opts.Keys,
		cfg:      cfg,
		suite:    suite,
		table:    table,
		dedup:    dedup.New(cfg.DedupCapacity, cfg.DedupWindow, clk),
		buffer:   buffer,
		tr:       opts.Transport,
		m:        m,
		log:      log.Named("router"),
		rl:       logging.NewRateLimited(log.Named("router"), 10*time.Second),
		clock:    clk,
		subs:     newSubscribers(cfg.SubscriberBuffer, m),
		pins:   pins,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return n, nil
}

func (n *Node) ID() identity.NodeID {
	return n.id
}

func (n *Node) Table() *routing.Table {
	return n.table
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.m
}

// Subscribe streams verified payloads published under tag. The discovery
// tags are reserved and never reach subscribers.
func (n *Node) Subscribe(tag uint16) *Subscription {
	return n.subs.subscribe(tag)
}

// Run serves inbound frames and the maintenance timers until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrShutdown
	}
	if n.running {
		n.mu.Unlock()
		return errors.New("already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.maintenanceLoop(ctx)
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discoveryLoop(ctx)
	}()

	err := n.tr.Listen(ctx, n.cfg.ListenAddr, n.HandleFrame)
	cancel()
	n.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close abandons in-flight work. Component operations are atomic, so no
// store is left half-written.
func (n *Node) Close() error {
	n.mu.Lock()
	n.stopped = true
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	n.subs.closeAll()
	return n.tr.Close()
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	interval := n.cfg.DedupWindow / 2
	if n.cfg.StoreExpiry/4 < interval {
		interval = n.cfg.StoreExpiry / 4
	}
	if interval < maintenanceMin {
		interval = maintenanceMin
	}
	if interval > maintenanceMax {
		interval = maintenanceMax
	}
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := n.dedup.Sweep(); removed > 0 {
				n.log.Debug("dedup sweep", zap.Int("removed", removed))
			}
			if removed := n.buffer.Sweep(); removed > 0 {
				n.log.Debug("storefwd sweep", zap.Int("removed", removed))
			}
		}
	}
}

func (n *Node) jitter(base time.Duration) time.Duration {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return base + time.Duration(n.rand.Int63n(int64(base/4)+1))
}
