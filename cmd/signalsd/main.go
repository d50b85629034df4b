package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signals/orchestrator/internal/auth"
	"signals/orchestrator/internal/broadcast"
	"signals/orchestrator/internal/config"
	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/gateway"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/queue"
	"signals/orchestrator/internal/signing"
	"signals/orchestrator/internal/tournament"
)

func main() {
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("signalsd exited")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	primary, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer primary.Close()

	var fallback ledger.Backend
	if cfg.RPCFallback != "" {
		fb, err := ethclient.DialContext(ctx, cfg.RPCFallback)
		if err != nil {
			log.Warn().Err(err).Msg("fallback RPC unavailable, continuing without it")
		} else {
			defer fb.Close()
			fallback = fb
		}
	}

	// Load() already validated the key.
	operatorKey, err := crypto.HexToECDSA(cfg.OperatorKey)
	if err != nil {
		return err
	}

	lg, err := ledger.New(log, primary, fallback, ledger.Options{
		ChainID:          cfg.ChainID,
		OperatorKey:      operatorKey,
		GameContract:     cfg.GameContract,
		TokenContract:    cfg.TokenContract,
		IdentityRegistry: cfg.IdentityRegistry,
		Multicall:        cfg.Multicall,
		FlushDelay:       cfg.SettleFlush,
		BatchCap:         cfg.BatchCap,
	})
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(log)
	store := auth.NewStore(cfg.ChallengeTTL)
	defer store.Close()
	signer := signing.New(cfg.ChainID, cfg.GameContract)

	eng := engine.New(log, lg, hub, signer, engine.Params{
		NegotiationDur: cfg.NegotiationDur,
		ChoiceDur:      cfg.ChoiceDur,
	})
	lg.SetOnSettled(eng.HandleSettled)

	q := queue.New(log, lg, eng, hub)
	ctrl := tournament.NewController(log, lg, eng, hub)
	lobby := tournament.NewLobby(log, lg, signer, ctrl, eng, q, hub, tournament.LobbyOptions{
		Token: cfg.TokenContract,
		Game:  cfg.GameContract,
	})
	eng.SetOnMatchComplete(ctrl.HandleMatchComplete)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gateway.NewMetrics(registry, hub, lg.PendingSettlements)

	srv := gateway.NewServer(log, hub, store, lg, eng, q, lobby, metrics)
	router := srv.Router(lg, eng, ctrl, q.Size, lobby.Size, store.Pending, registry)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("operator", lg.Operator().Hex()).Msg("signalsd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
