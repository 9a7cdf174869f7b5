package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojotx/core/objectstore"
	"github.com/sushant-115/gojotx/core/replication/relay"
	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/security/internaltls"
	"github.com/sushant-115/gojotx/core/session"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
	"github.com/sushant-115/gojotx/core/transaction/batchmgr"
	"github.com/sushant-115/gojotx/core/transaction/gtx"
	"github.com/sushant-115/gojotx/core/transaction/manager"
	"github.com/sushant-115/gojotx/core/transaction/resent"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/config"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Overrides server.node_id")
	listenAddr = flag.String("listen_addr", "", "Overrides server.listen_addr")
	mode       = flag.String("mode", "", "Overrides server.mode (active or passive)")
	dataDir    = flag.String("data_dir", "", "Overrides storage.data_dir")
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	SelfSignedValidity    = 24 * time.Hour
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *nodeID != "" {
		cfg.Server.NodeID = *nodeID
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *mode != "" {
		cfg.Server.Mode = *mode
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	return cfg, cfg.Validate()
}

// server holds the wired components of one gojotx process.
type server struct {
	cfg    *config.Config
	logger *zap.Logger

	gtxStore  *gtx.Store
	objects   *objectstore.Store
	tm        *manager.TransactionManager
	pipeline  *manager.Pipeline
	batches   *batchmgr.Manager
	resentSeq *resent.Sequencer
	hub       *session.Hub
	pool      *connection.ConnectionPoolManager
	active    *relay.Active
	passive   *relay.Passive
	relaySvc  *relay.Service
	grpc      *grpc.Server

	telemetryShutdown telemetry.ShutdownFunc

	// fault is called on a broken invariant; the process cannot continue.
	fault func(error)

	promoteOnce sync.Once
	wg          sync.WaitGroup
	stopCh      chan struct{}
}

func tlsMaterial(cfg *config.Config) (*internaltls.Material, error) {
	t := cfg.Replication.TLS
	if !t.Enabled {
		return nil, nil
	}
	if t.SelfSigned {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "listen address %s", cfg.Server.ListenAddr)
		}
		return internaltls.SelfSigned([]string{host}, SelfSignedValidity)
	}
	return internaltls.Load(t.Files, t.ServerName)
}

func newServer(cfg *config.Config, zlogger *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: zlogger, stopCh: make(chan struct{})}
	s.fault = func(err error) { zlogger.Fatal("CRITICAL: Invariant broken", zap.Error(err)) }
	active := cfg.Server.Mode == config.ModeActive

	tel, shutdown, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize telemetry")
	}
	s.telemetryShutdown = shutdown
	txnMetrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}
	grpcMetrics, err := internaltelemetry.NewGrpcMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}

	s.gtxStore, err = gtx.Open(filepath.Join(cfg.Storage.DataDir, "gtx"))
	if err != nil {
		return nil, err
	}
	gtm, err := gtx.NewManager(s.gtxStore, cfg.Transactions.GIDReserveBlock, zlogger)
	if err != nil {
		return nil, err
	}
	zlogger.Info("Global transaction store opened", zap.String("path", cfg.Storage.DataDir))

	s.objects = objectstore.New(zlogger)
	s.tm = manager.New(active, manager.Collaborators{
		ObjectManager:    s.objects,
		GlobalTxnManager: gtm,
		Stats:            txnMetrics,
		InstanceMonitor:  s.objects,
		Tracer:           tel.Tracer,
	}, zlogger)
	s.pipeline = manager.NewPipeline(s.tm, manager.PipelineConfig{ApplyWorkers: cfg.Transactions.ApplyWorkers}, zlogger)

	var hubTransport hubAcks
	s.batches = batchmgr.New(s.tm, &hubTransport, batchmgr.Config{MaxAckWindow: cfg.Transactions.MaxAckWindow}, zlogger)
	s.tm.AddListener(s.batches)
	s.hub = session.NewHub(s.batches, session.Config{QueueSize: cfg.Transactions.SessionQueueSize}, zlogger)
	hubTransport.hub = s.hub

	material, err := tlsMaterial(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load replication TLS material")
	}
	var serverOpts []grpc.ServerOption
	if material != nil {
		s.pool = connection.NewConnectionPoolManager(cfg.Replication.PoolSize, material.ClientCredentials())
		serverOpts = append(serverOpts, grpc.Creds(material.ServerCredentials()))
	} else {
		s.pool = connection.NewConnectionPoolManager(cfg.Replication.PoolSize, nil)
	}

	peers := make([]relay.Peer, 0, len(cfg.Replication.Passives))
	for _, p := range cfg.Replication.Passives {
		peers = append(peers, relay.Peer{ID: transaction.NodeID(p.ID), Address: p.Address})
	}
	s.active = relay.NewActive(s.batches.Processor(), s.tm, s.pool, relay.ActiveConfig{
		Peers:         peers,
		RatePerSecond: cfg.Replication.RatePerSecond,
		Burst:         cfg.Replication.Burst,
	}, zlogger)
	s.resentSeq = resent.New(s.active, gtm, s.tm, zlogger)
	s.batches.SetSequencer(s.resentSeq)
	s.tm.SetResentSequencer(s.resentSeq)
	s.hub.SetResentRegistry(s.resentSeq)
	s.resentSeq.SetFaultHandler(func(b *batch.Context, err error) {
		s.batches.Abandon(b)
		s.hub.Disconnect(b.Source, err)
	})

	s.relaySvc = relay.NewService(zlogger)
	if active {
		s.relaySvc.SetActive(s.active)
		s.tm.SetTransport(relay.NewTransport(s.hub, nil))
	} else {
		s.passive = relay.NewPassive(invariantGuard{next: s.batches, server: s}, s.pool, relay.PassiveConfig{
			NodeID:        transaction.NodeID(cfg.Server.NodeID),
			ActiveAddress: cfg.Replication.ActiveAddress,
			AckBatchSize:  cfg.Replication.AckBatchSize,
			AckInterval:   cfg.Replication.AckInterval,
		}, zlogger)
		s.relaySvc.SetPassive(s.passive)
		s.tm.SetTransport(relay.NewTransport(s.hub, s.passive))
		s.hub.SetAccepting(false)
	}

	serverOpts = append(serverOpts, grpc.UnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	s.grpc = grpc.NewServer(serverOpts...)
	transport.RegisterReplicationServer(s.grpc, s.relaySvc)
	transport.RegisterBatchServer(s.grpc, s.hub)
	return s, nil
}

// hubAcks breaks the construction cycle between the batch manager and the hub.
type hubAcks struct {
	hub *session.Hub
}

func (h *hubAcks) SendBatchAcknowledgements(to transaction.NodeID, batches []transaction.BatchID) error {
	return h.hub.SendBatchAcknowledgements(to, batches)
}

// invariantGuard hands relayed batches to the batch manager and stops the
// process when the active and this passive disagree on a GID.
type invariantGuard struct {
	next   relay.RelayedProcessor
	server *server
}

func (g invariantGuard) ProcessRelayed(ctx context.Context, bc *batch.Context) error {
	err := g.next.ProcessRelayed(ctx, bc)
	if errors.Is(err, gtx.ErrGIDConflict) {
		g.server.fault(err)
	}
	return err
}

func (s *server) start(lis net.Listener) error {
	s.pipeline.Start()
	if s.passive != nil {
		s.passive.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	if s.tm.IsActive() {
		if err := s.resentSeq.GoToActiveMode(); err != nil {
			return err
		}
		s.startResentWindow()
	}
	return nil
}

// startResentWindow lets reconnecting clients announce resent transactions,
// then releases them in GID order.
func (s *server) startResentWindow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.Transactions.ResentWindow)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		}
		live := s.hub.Nodes()
		if err := s.resentSeq.TransactionManagerStarted(context.Background(), live); err != nil {
			s.logger.Error("failed to start resent replay", zap.Error(err))
			return
		}
		s.logger.Info("Transaction manager started", zap.Int("live_clients", len(live)), zap.Int("resent_expected", s.resentSeq.Expected()))
	}()
}

// promote turns a passive into the active server.
func (s *server) promote(ctx context.Context) error {
	if s.passive == nil {
		return errors.New("server is already active")
	}
	var err error
	s.promoteOnce.Do(func() {
		s.logger.Info("Promoting passive to active")
		if err = s.tm.GoToActiveMode(ctx); err != nil {
			return
		}
		s.passive.Stop()
		s.relaySvc.SetActive(s.active)
		s.tm.SetTransport(relay.NewTransport(s.hub, nil))
		s.hub.SetAccepting(true)
		s.startResentWindow()
	})
	return err
}

func (s *server) stop() error {
	select {
	case <-s.stopCh:
		return nil
	default:
		close(s.stopCh)
	}

	s.hub.Close()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GrpcServerStopTimeout):
		s.logger.Warn("gRPC server did not stop in time, forcing")
		s.grpc.Stop()
	}
	s.wg.Wait()

	if s.passive != nil {
		s.passive.Stop()
	}
	s.pipeline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), GrpcServerStopTimeout)
	defer cancel()
	return multierr.Combine(
		s.pool.Close(),
		s.gtxStore.Close(),
		s.telemetryShutdown(ctx),
	)
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = logger.Sync(zlogger) }()

	zlogger.Info("Starting gojotx server",
		zap.String("nodeID", cfg.Server.NodeID),
		zap.String("mode", cfg.Server.Mode),
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.Int("passives", len(cfg.Replication.Passives)),
		zap.Bool("tls", cfg.Replication.TLS.Enabled),
	)

	s, err := newServer(cfg, zlogger)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize server", zap.Error(err))
	}
	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to listen", zap.String("address", cfg.Server.ListenAddr), zap.Error(err))
	}
	if err := s.start(lis); err != nil {
		zlogger.Fatal("CRITICAL: Failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			if err := s.promote(context.Background()); err != nil {
				zlogger.Error("Promotion failed", zap.Error(err))
			}
			continue
		}
		zlogger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		break
	}
	signal.Stop(sigCh)

	if err := s.stop(); err != nil {
		zlogger.Error("Shutdown finished with errors", zap.Error(err))
	}
	zlogger.Info("gojotx server shut down gracefully.")
}
