// Package main is the entry point for the marketledger service: an immutable,
// content-addressed record store over sports-market snapshots with scheduled
// collection, analysis and evaluation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketledger/marketledger/internal/archive"
	"github.com/marketledger/marketledger/internal/clients/kalshi"
	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/lineage"
	"github.com/marketledger/marketledger/internal/scheduler"
	"github.com/marketledger/marketledger/internal/server"
	"github.com/marketledger/marketledger/internal/services"
	"github.com/marketledger/marketledger/internal/store"
	"github.com/marketledger/marketledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting marketledger")

	db, err := database.New(database.Config{
		Path:    cfg.DBPath,
		Profile: database.ProfileLedger,
		Name:    "marketledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	snapshots := store.NewSnapshotRepository(db.Conn(), log)
	analyses := store.NewAnalysisRepository(db.Conn(), log)
	outcomes := store.NewOutcomeRepository(db.Conn(), log)
	evaluations := store.NewEvaluationRepository(db.Conn(), log)
	proposals := store.NewProposalRepository(db.Conn(), log)

	bus := events.NewBus(log)
	eventMgr := events.NewManager(bus, log)

	var oddsClient *oddsapi.Client
	if cfg.OddsAPIKey != "" {
		oddsClient = oddsapi.NewClient(cfg.OddsAPIKey, cfg.OddsAPIRateLimit, log)
		oddsClient.SetBaseURL(cfg.OddsAPIBaseURL)
	} else {
		log.Warn().Msg("Odds API key not configured, collection from The Odds API disabled")
	}

	var kalshiClient *kalshi.Client
	var kalshiSigner *kalshi.Signer
	if cfg.KalshiAPIKeyID != "" && cfg.KalshiPrivateKeyPath != "" {
		kalshiSigner, err = kalshi.NewSignerFromFile(cfg.KalshiPrivateKeyPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load Kalshi private key")
		}
		kalshiClient = kalshi.NewClient(cfg.KalshiAPIKeyID, kalshiSigner, cfg.KalshiRateLimit, log)
	} else {
		log.Warn().Msg("Kalshi credentials not configured, collection from Kalshi disabled")
	}

	// Repository interfaces are satisfied by nil typed pointers too, so a
	// missing client must stay a nil interface inside the collector.
	var oddsSource services.OddsSource
	if oddsClient != nil {
		oddsSource = oddsClient
	}
	var kalshiSource services.KalshiSource
	if kalshiClient != nil {
		kalshiSource = kalshiClient
	}
	var scoresSource services.ScoresSource
	if oddsClient != nil {
		scoresSource = oddsClient
	}

	collector := services.NewCollector(cfg, snapshots, oddsSource, kalshiSource, eventMgr, log)
	analyzer := services.NewAnalyzer(cfg, snapshots, analyses, eventMgr, log)
	recorder := services.NewOutcomeRecorder(snapshots, outcomes, scoresSource, eventMgr, log)
	evaluator := services.NewEvaluator(analyses, outcomes, evaluations, eventMgr, log)
	verifier := services.NewVerifier(snapshots, analyses, outcomes, evaluations, proposals, eventMgr, log)
	archiver := archive.New(snapshots, cfg.ArchiveDir, log)
	resolver := lineage.NewResolver(analyses, log)

	sched := scheduler.New(log)
	mustRegister := func(spec string, job scheduler.Job) {
		if err := sched.Register(spec, job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
		}
	}
	mustRegister(cfg.CollectSchedule, scheduler.NewCollectJob(collector))
	mustRegister(cfg.AnalyzeSchedule, scheduler.NewAnalyzeJob(analyzer))
	mustRegister(cfg.EvaluateSchedule, scheduler.NewEvaluateJob(cfg, recorder, evaluator))
	sched.Start()

	var tickerFeed *kalshi.TickerFeed
	if kalshiSigner != nil && len(cfg.KalshiWSTickers) > 0 {
		tickerFeed = kalshi.NewTickerFeed(cfg.KalshiAPIKeyID, kalshiSigner, cfg.KalshiWSTickers, bus, log)
		if err := tickerFeed.Start(); err != nil {
			log.Warn().Err(err).Msg("Kalshi ticker feed not connected yet, reconnecting in background")
		}
	}

	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		Cfg:     cfg,
		DB:      db,
		DevMode: cfg.DevMode,

		Snapshots:   snapshots,
		Analyses:    analyses,
		Outcomes:    outcomes,
		Evaluations: evaluations,
		Proposals:   proposals,

		Lineage:   resolver,
		Collector: collector,
		Analyzer:  analyzer,
		Evaluator: evaluator,
		Recorder:  recorder,
		Verifier:  verifier,
		Archiver:  archiver,

		EventBus: bus,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	if tickerFeed != nil {
		if err := tickerFeed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping Kalshi ticker feed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
