// Package main is the marketledger command line interface: inspect and
// operate the record store without going through the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/store"
	"github.com/marketledger/marketledger/pkg/logger"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command for the marketledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "marketledger",
		Short: "Immutable, content-addressed sports-market record store",
		Long: `marketledger collects point-in-time market snapshots, derives analyses
with full lineage, records game outcomes and scores predictions against
them. Every record is content-addressed and append-only.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewInitDBCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCollectCommand(opts))
	cmd.AddCommand(NewAnalyzeCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewLineageCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewProposalsCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))

	return cmd
}

// app bundles everything a command needs against an open store.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	db  *database.DB

	snapshots   *store.SnapshotRepository
	analyses    *store.AnalysisRepository
	outcomes    *store.OutcomeRepository
	evaluations *store.EvaluationRepository
	proposals   *store.ProposalRepository

	eventMgr *events.Manager
}

// openApp loads configuration and opens the store.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true})

	db, err := database.New(database.Config{
		Path:    cfg.DBPath,
		Profile: database.ProfileLedger,
		Name:    "marketledger",
	})
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus(log)

	return &app{
		cfg:         cfg,
		log:         log,
		db:          db,
		snapshots:   store.NewSnapshotRepository(db.Conn(), log),
		analyses:    store.NewAnalysisRepository(db.Conn(), log),
		outcomes:    store.NewOutcomeRepository(db.Conn(), log),
		evaluations: store.NewEvaluationRepository(db.Conn(), log),
		proposals:   store.NewProposalRepository(db.Conn(), log),
		eventMgr:    events.NewManager(bus, log),
	}, nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
