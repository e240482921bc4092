package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/core/daemon/api/server"
	"github.com/quillsync/core/daemon/config"
	"github.com/quillsync/core/daemon/transport"
	"github.com/quillsync/core/internal/crypto/identity"
	"github.com/quillsync/core/internal/dedupe"
	"github.com/quillsync/core/internal/dispatch"
	"github.com/quillsync/core/internal/lock"
	"github.com/quillsync/core/internal/milestone"
	"github.com/quillsync/core/internal/observability"
	"github.com/quillsync/core/internal/quicutil"
	"github.com/quillsync/core/internal/ratelimit"
	"github.com/quillsync/core/internal/storage/boltstore"
	"github.com/quillsync/core/internal/storage/docstore"
	"github.com/quillsync/core/internal/storage/encstore"
	"github.com/quillsync/core/internal/storage/filestore"
	"github.com/quillsync/core/internal/telemetry"
)

func main() {
	quicAddr := flag.String("quic-addr", "", "QUIC listener address for document-sync sessions")
	restAddr := flag.String("rest-addr", "", "HTTP/SSE document-sync address")
	milestoneGRPCAddr := flag.String("milestone-grpc-addr", "", "milestone admin gRPC address")
	milestoneRESTAddr := flag.String("milestone-rest-addr", "", "milestone admin REST address")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "observability server address")
	mode := flag.String("mode", "", "run mode (e.g., test)")
	flag.Parse()

	logger := observability.NewLogger("quillsyncd", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "quillsyncd"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("quillsyncd starting")

	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *quicAddr != "" {
		cfg.QUICAddress = *quicAddr
	}
	if *restAddr != "" {
		cfg.RESTAddress = *restAddr
	}
	if *milestoneGRPCAddr != "" {
		cfg.MilestoneGRPCAddress = *milestoneGRPCAddr
	}
	if *milestoneRESTAddr != "" {
		cfg.MilestoneRESTAddress = *milestoneRESTAddr
	}
	if *mode == "test" {
		// test-specific config overrides go here
	}

	logger.Info("configuration loaded")
	log.Printf("  QUIC address: %s", cfg.QUICAddress)
	log.Printf("  chunk size: %d bytes", cfg.ChunkSize)
	log.Printf("  worker count: %d", cfg.WorkerCount)

	if err := os.MkdirAll(cfg.DataDirectory, 0700); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}
	kv, err := boltstore.Open(filepath.Join(cfg.DataDirectory, "quillsync.db"))
	if err != nil {
		logger.Fatal(err, "failed to open document store")
	}
	defer kv.Close()

	plainDocs := docstore.New(kv)
	encryptedDocs := encstore.New(kv)
	files := filestore.New(kv, plainDocs,
		filestore.WithChunkSize(int(cfg.ChunkSize)),
		filestore.WithUploadTTL(time.Duration(cfg.UploadTimeoutMs)*time.Millisecond),
	)
	milestones := milestone.New(kv)
	logger.Info("storage layer initialized")

	dedupeTable := dedupe.New(
		dedupe.WithTTL(time.Duration(cfg.Dedupe.TTLMs)*time.Millisecond),
		dedupe.WithMaxPerDoc(cfg.Dedupe.MaxPerDoc),
	)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.WindowMs, cfg.RateLimit.MaxMessages)
	bus := telemetry.New(cfg.MessageLimit)

	lockOpts := lock.Options{
		TTL:        time.Duration(cfg.Lock.TTLMs) * time.Millisecond,
		MaxRetries: cfg.Lock.MaxRetries,
		BaseDelay:  time.Duration(cfg.Lock.BaseDelay) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Lock.MaxDelay) * time.Millisecond,
	}

	dispatcher := dispatch.New(kv, plainDocs, encryptedDocs, dedupeTable, bus,
		dispatch.WithFileStore(files),
		dispatch.WithMilestoneStore(milestones),
		dispatch.WithRateLimiter(limiter),
		dispatch.WithLockOptions(lockOpts),
	)
	logger.Info("document dispatcher initialized")

	privPath, pubPath, err := identity.DefaultPaths()
	if err != nil {
		logger.Fatal(err, "failed to resolve identity key paths")
	}
	serverIDPriv, serverIDPub, err := identity.LoadOrCreate(privPath, pubPath)
	if err != nil {
		logger.Fatal(err, "failed to load or create identity keys")
	}
	logger.Info("server identity keys ready")

	if *mode != "test" {
		healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress))
		healthChecker.RegisterCheck("keystore", observability.KeystoreCheck(true))
		healthChecker.RegisterCheck("database", observability.DatabaseCheck(filepath.Join(cfg.DataDirectory, "quillsync.db")))
		healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.DataDirectory, 1))
	}

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	logger.Info("generated self-signed TLS certificate for QUIC")

	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to create TLS config")
	}

	quicListener, err := transport.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer quicListener.Close()
	logger.Info("QUIC listener started on " + cfg.QUICAddress)

	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptLimiter := ratelimit.NewTokenBucket(50, 100) // 50 conn/s, burst 100
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !acceptLimiter.Allow(1) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				conn, err := quicListener.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error(err, "failed to accept QUIC connection")
					metrics.RecordConnection("quic", false)
					continue
				}
				logger.ConnectionEstablished(conn.GetConnection().RemoteAddr().String(), "")
				metrics.RecordConnection("quic", true)
				go handleQUICDocSession(ctx, conn, dispatcher, serverIDPriv, serverIDPub, logger, metrics)
			}
		}
	}()

	docSyncServer := server.NewDocSyncServer(dispatcher)
	restMux := http.NewServeMux()
	docSyncServer.RegisterHTTP(restMux)
	restServer := &http.Server{Addr: cfg.RESTAddress, Handler: restMux}
	go func() {
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "document REST/SSE server error")
		}
	}()
	logger.Info("document REST/SSE server started on " + cfg.RESTAddress)

	milestoneGRPCStop, milestoneRESTStop, err := server.StartMilestoneAPIServers(
		context.Background(), cfg.MilestoneGRPCAddress, cfg.MilestoneRESTAddress,
		server.NewMilestoneAPIServer(milestones),
	)
	if err != nil {
		logger.Fatal(err, "failed to start milestone API servers")
	}
	logger.Info("milestone API servers started: gRPC on " + cfg.MilestoneGRPCAddress + ", REST on " + cfg.MilestoneRESTAddress)

	logger.Info("quillsyncd running")
	logger.Info("press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	milestoneGRPCStop()
	milestoneRESTStop()
	_ = restServer.Close()

	logger.Info("quillsyncd stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// handleQUICDocSession accepts the single document-sync stream a client
// opens on a QUIC connection, runs the identity handshake over it, and
// serves dispatcher frames until the stream or the connection closes.
func handleQUICDocSession(
	ctx context.Context,
	conn *transport.QUICConnection,
	dispatcher *dispatch.Dispatcher,
	serverIDPriv ed25519.PrivateKey,
	serverIDPub ed25519.PublicKey,
	logger *observability.Logger,
	metrics *observability.Metrics,
) {
	defer conn.Close()

	stream, err := conn.GetConnection().AcceptStream(ctx)
	if err != nil {
		logger.Error(err, "failed to accept document-sync stream")
		return
	}

	connID := uuid.NewString()
	sessionID := uuid.NewString()
	docConn, err := transport.AcceptQUICDocSession(connID, sessionID, stream, serverIDPriv, serverIDPub, nil)
	if err != nil {
		logger.Error(err, "document-sync handshake failed")
		return
	}

	start := time.Now()
	if err := docConn.Serve(ctx, dispatcher); err != nil {
		logger.WithConnection(connID).Debug("document-sync session ended: " + err.Error())
	}
	dispatcher.DetachAll(connID)
	dispatcher.NotifyDisconnected(connID)
	metrics.RecordConnectionClose(time.Since(start).Seconds())
}
