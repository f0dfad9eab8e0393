package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/config"
	"github.com/Mindburn-Labs/xdomain/pkg/connector"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/encoding"
	"github.com/Mindburn-Labs/xdomain/pkg/observability"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/routing"
	"github.com/Mindburn-Labs/xdomain/pkg/store/archive"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// node is one running orchestrator with its local processors and
// transports.
type node struct {
	cfg        *config.Config
	orch       *authorization.Orchestrator
	router     *routing.Router
	processors []*processor.Processor
	tickers    []*processor.Ticker
	receivers  []connector.Receiver
	watcher    *policy.Watcher
	telemetry  *observability.Provider
	timeline   *observability.Timeline
	archiver   *archive.Archiver
	closers    []io.Closer
	logger     *slog.Logger
}

// buildNode wires every component but starts nothing.
func buildNode(ctx context.Context, cfg *config.Config, top *config.Topology) (n *node, err error) {
	n = &node{cfg: cfg, timeline: observability.NewTimeline(), logger: slog.Default().With("component", "node")}
	defer func() {
		if err != nil {
			_ = n.Close(ctx)
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTLPEndpoint != ""
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	if n.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}
	slo := observability.NewSLOTracker()
	for _, o := range observability.DefaultObjectives() {
		slo.SetObjective(o)
	}
	n.telemetry.WithSLO(slo)

	lgr, err := n.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		n.closers = append(n.closers, rdb)
	}
	var creds credential.Store = credential.NewMemoryStore()
	if rdb != nil {
		creds = credential.NewRedisStore(rdb)
	} else {
		n.logger.WarnContext(ctx, "REDIS_ADDR unset, credential balances are kept in memory")
	}

	encoders := encoding.NewRegistry()
	if err := encoders.RegisterEncoder("jcs", "1.0.0", encoding.JCSEncoder{}); err != nil {
		return nil, err
	}
	encoders.RegisterDecoder("json", encoding.JSONCallbackDecoder{})
	n.router = routing.New(cfg.Self, encoders, contracts.SystemClock{})

	observers := []authorization.Observer{n.telemetry, n.timeline}
	blobs, err := archive.Open(ctx, archive.Config{
		Kind:     cfg.ArchiveKind,
		DataDir:  cfg.DataDir,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.ArchivePrefix,
	})
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		if c, ok := blobs.(io.Closer); ok {
			n.closers = append(n.closers, c)
		}
		n.archiver = archive.NewArchiver(blobs)
		observers = append(observers, n.archiver)
	}

	n.orch, err = authorization.New(ctx, cfg.Owner, authorization.Deps{
		Policies:    policy.NewMemoryStore(),
		Credentials: creds,
		Ledger:      lgr,
		Router:      n.router,
		ZK:          zk.NewRegistry(),
	},
		authorization.WithTracker(n.telemetry),
		authorization.WithObserver(observers...),
		authorization.WithCountAwaiting(cfg.CountAwaiting),
	)
	if err != nil {
		return nil, err
	}
	n.router.SetResultHandler(n.orch)

	for _, d := range top.Local {
		if err := n.addLocal(ctx, d); err != nil {
			return nil, fmt.Errorf("local domain %s: %w", d.Name, err)
		}
	}
	for _, d := range top.Remote {
		if err := n.addRemote(ctx, d, rdb); err != nil {
			return nil, fmt.Errorf("remote domain %s: %w", d.Name, err)
		}
	}
	if len(top.Remote) > 0 {
		if err := n.addInbox(rdb); err != nil {
			return nil, err
		}
	}

	if cfg.PolicyFile != "" {
		if n.watcher, err = policy.NewWatcher(cfg.PolicyFile, n.orch); err != nil {
			return nil, err
		}
		if err := n.watcher.Reload(ctx); err != nil {
			return nil, fmt.Errorf("initial policy load: %w", err)
		}
	}
	return n, nil
}

func (n *node) openLedger(ctx context.Context) (ledger.Ledger, error) {
	driver, dsn := n.cfg.LedgerDriver()
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		n.logger.InfoContext(ctx, "lite mode: using sqlite ledger", "path", dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	n.closers = append(n.closers, db)
	lgr := ledger.NewSQLLedger(db)
	if err := lgr.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s ledger: %w", driver, err)
	}
	return lgr, nil
}

func (n *node) addLocal(ctx context.Context, d config.LocalDomain) error {
	be, err := n.backend(ctx, d)
	if err != nil {
		return err
	}
	sink := n.router.LocalSink(d.Name, d.Sender)
	opts := []processor.Option{processor.WithTracker(n.telemetry)}

	var engine processor.Engine
	switch d.Engine {
	case config.EngineImmediate:
		engine = processor.NewImmediateEngine(d.Name, be, sink, opts...)
	default:
		q := processor.NewQueueingEngine(d.Name, be, sink, opts...)
		interval := d.TickInterval
		if interval == 0 {
			interval = n.cfg.TickInterval
		}
		n.tickers = append(n.tickers, processor.NewTicker(q, interval, n.cfg.TickBurst))
		engine = q
	}

	p := processor.NewProcessor(engine, n.cfg.Self, d.DirectCallers...)
	if err := n.router.AddLocal(p); err != nil {
		return err
	}
	n.orch.TrustCallbacks(d.Name, d.Sender)
	n.processors = append(n.processors, p)
	return nil
}

func (n *node) backend(ctx context.Context, d config.LocalDomain) (backend.Backend, error) {
	if len(d.Modules) == 0 {
		return backend.NewMemoryHost(backend.Flavor(d.Flavor)), nil
	}
	host := backend.NewWasmHost(ctx, 0, 5*time.Second)
	n.closers = append(n.closers, closerFunc(func() error { return host.Close(context.Background()) }))
	for addr, path := range d.Modules {
		wasm, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read module %s: %w", addr, err)
		}
		if err := host.Deploy(ctx, addr, wasm); err != nil {
			return nil, err
		}
	}
	return host, nil
}

func (n *node) addRemote(ctx context.Context, d config.RemoteDomain, rdb redis.UniversalClient) error {
	var conn connector.Connector
	switch d.Transport {
	case config.TransportRedis:
		if rdb == nil {
			return errors.New("redis transport requires REDIS_ADDR")
		}
		conn = connector.NewRedisConnector(rdb, d.Name)
	case config.TransportKafka:
		kc, err := connector.NewKafkaConnector(connector.KafkaConfig{Brokers: n.cfg.KafkaBrokers, Topic: connector.TopicFor(d.Name)})
		if err != nil {
			return err
		}
		conn = kc
	}
	n.closers = append(n.closers, conn)
	return n.orch.AddExternalDomains(ctx, n.orch.Owner(), authorization.ExternalDomain{
		Name:           d.Name,
		CallbackSender: d.CallbackSender,
		Remote:         routing.Remote{Connector: conn, TTL: d.TTL, Bridge: d.Bridge},
	})
}

// addInbox listens for callbacks addressed to this node on every configured
// transport.
func (n *node) addInbox(rdb redis.UniversalClient) error {
	if rdb != nil {
		n.receivers = append(n.receivers, connector.NewRedisReceiver(rdb, n.cfg.Self))
	}
	if len(n.cfg.KafkaBrokers) > 0 {
		kr, err := connector.NewKafkaReceiver(connector.KafkaConfig{
			Brokers: n.cfg.KafkaBrokers,
			Topic:   connector.TopicFor(n.cfg.Self),
			GroupID: "xdomain-" + n.cfg.Self,
		})
		if err != nil {
			return err
		}
		n.receivers = append(n.receivers, kr)
		n.closers = append(n.closers, kr)
	}
	return nil
}

// run starts tickers, receivers and the policy watcher, and blocks until
// ctx is done.
func (n *node) run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				n.logger.ErrorContext(ctx, "background task failed", "task", name, "error", err)
			}
		}()
	}
	for _, t := range n.tickers {
		start("ticker", t.Run)
	}
	for _, r := range n.receivers {
		start("receiver", func(ctx context.Context) error { return r.Run(ctx, n.router) })
	}
	if n.watcher != nil {
		start("policy_watcher", n.watcher.Run)
	}
	wg.Wait()
}

func (n *node) Close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i].Close())
	}
	if n.telemetry != nil {
		errs = append(errs, n.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
