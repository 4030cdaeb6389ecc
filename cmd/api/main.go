package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/wavesops/internal/api"
	"github.com/punchamoorthee/wavesops/internal/approval"
	"github.com/punchamoorthee/wavesops/internal/config"
	"github.com/punchamoorthee/wavesops/internal/keyvault"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/service"
	"github.com/punchamoorthee/wavesops/internal/store"
)

const (
	dbConnectAttempts = 10
	dbConnectBackoff  = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connect(ctx, cfg.DBSource, log)
	if err != nil {
		log.WithError(err).Fatal("Unable to connect to database")
	}
	defer db.Close()

	if err := store.MigrateUp(cfg.DBSource); err != nil {
		log.WithError(err).Fatal("Migrations failed")
	}

	eth, err := ledger.DialEth(ctx, ledger.EthConfig{
		RPCURL:  cfg.Ledger.RPCURL,
		ChainID: cfg.Ledger.ChainID,
		RPS:     cfg.Ledger.RPS,
		Burst:   cfg.Ledger.Burst,
	})
	if err != nil {
		log.WithError(err).Fatal("Unable to reach ledger")
	}
	defer eth.Close()

	custodian, err := ledger.SignerFromHex(cfg.Ledger.CustodialKey)
	if err != nil {
		log.WithError(err).Fatal("Invalid custodial key")
	}
	buffer, _ := cfg.Ledger.FundingBuffer()
	gw, err := ledger.NewGateway(eth, ledger.Config{
		ContractAddress: cfg.Ledger.Contract(),
		Custodian:       custodian,
		CallTimeout:     cfg.Ledger.CallTimeout,
		FundingBuffer:   buffer,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Ledger gateway")
	}

	vault, err := keyvault.New(cfg.EncryptionKey)
	if err != nil {
		log.WithError(err).Fatal("Key vault")
	}

	// Initialize Layers
	orch := approval.New(gw, db, db, vault, approval.Config{
		Workers:         cfg.Approval.Workers,
		QueueSize:       cfg.Approval.QueueSize,
		PollInterval:    cfg.Approval.PollInterval,
		MaxPollInterval: cfg.Approval.MaxPollInterval,
		WatchTimeout:    cfg.Approval.WatchTimeout,
		MaxAttempts:     cfg.Approval.MaxAttempts,
		SweepSpec:       cfg.Approval.SweepSpec,
	}, log)
	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("Approval orchestrator")
	}
	defer orch.Stop()

	coord := service.NewCoordinator(gw, db, log)
	wallets := service.NewWalletService(db, db, vault, orch, log)
	handler := api.NewHandler(coord, wallets, log)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"db unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	if cfg.HTTPRPS > 0 {
		apiV1.Use(api.RateLimit(rate.NewLimiter(rate.Limit(cfg.HTTPRPS), cfg.HTTPBurst)))
	}
	handler.Register(apiV1)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "env": cfg.Env, "custodian": gw.CustodianAddress()}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.CallTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Shutdown")
	}
}

// connect retries until the database accepts connections, so the API can
// start alongside its database container.
func connect(ctx context.Context, dsn string, log *logrus.Logger) (*store.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		db, err := store.NewStore(ctx, dsn)
		if err == nil {
			return db, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("Database not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dbConnectBackoff):
		}
	}
	return nil, lastErr
}
