package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketledger/marketledger/internal/archive"
	"github.com/marketledger/marketledger/internal/clients/kalshi"
	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/lineage"
	"github.com/marketledger/marketledger/internal/services"
)

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// NewInitDBCommand creates the initdb command.
func NewInitDBCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Printf("Database initialized at %s\n", a.cfg.DBPath)
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.db.GetStats()
			if err != nil {
				return err
			}
			counts, err := a.db.TableCounts()
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"db_path":        a.cfg.DBPath,
				"size_bytes":     stats.SizeBytes,
				"wal_size_bytes": stats.WALSizeBytes,
				"table_counts":   counts,
			})
		},
	}
}

// oddsClient builds the Odds API client or fails with a config hint.
func (a *app) oddsClient() (*oddsapi.Client, error) {
	if a.cfg.OddsAPIKey == "" {
		return nil, fmt.Errorf("ODDS_API_KEY is not configured")
	}
	client := oddsapi.NewClient(a.cfg.OddsAPIKey, a.cfg.OddsAPIRateLimit, a.log)
	client.SetBaseURL(a.cfg.OddsAPIBaseURL)
	return client, nil
}

// kalshiClient builds the Kalshi client when credentials are configured.
func (a *app) kalshiClient() (*kalshi.Client, error) {
	if a.cfg.KalshiAPIKeyID == "" || a.cfg.KalshiPrivateKeyPath == "" {
		return nil, nil
	}
	signer, err := kalshi.NewSignerFromFile(a.cfg.KalshiPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return kalshi.NewClient(a.cfg.KalshiAPIKeyID, signer, a.cfg.KalshiRateLimit, a.log), nil
}

// NewCollectCommand creates the collect command.
func NewCollectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect snapshots for all enabled sports",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			odds, err := a.oddsClient()
			if err != nil {
				return err
			}
			kalshiClient, err := a.kalshiClient()
			if err != nil {
				return err
			}

			var kalshiSource services.KalshiSource
			if kalshiClient != nil {
				kalshiSource = kalshiClient
			}

			collector := services.NewCollector(a.cfg, a.snapshots, odds, kalshiSource, a.eventMgr, a.log)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			result, err := collector.CollectAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"games":     result.Games,
				"snapshots": len(result.Snapshots),
				"deduped":   result.Deduped,
				"errors":    result.Errors,
			})
		},
	}
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(opts *RootOptions) *cobra.Command {
	var gameID string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze the latest snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			analyzer := services.NewAnalyzer(a.cfg, a.snapshots, a.analyses, a.eventMgr, a.log)

			if gameID != "" {
				analysis, err := analyzer.AnalyzeGame(gameID, nil)
				if err != nil {
					return err
				}
				if analysis == nil {
					return fmt.Errorf("no analyzable snapshot for game %s", gameID)
				}
				return printJSON(analysis)
			}

			analyses, err := analyzer.AnalyzeAllGames(500)
			if err != nil {
				return err
			}
			fmt.Printf("Created %d analyses\n", len(analyses))
			return nil
		},
	}

	cmd.Flags().StringVar(&gameID, "game", "", "analyze a single game")
	return cmd
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(opts *RootOptions) *cobra.Command {
	var report bool

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Ingest final scores and score pending predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			evaluator := services.NewEvaluator(a.analyses, a.outcomes, a.evaluations, a.eventMgr, a.log)

			if report {
				aggregate, err := evaluator.Report(10000)
				if err != nil {
					return err
				}
				return printJSON(aggregate)
			}

			odds, err := a.oddsClient()
			if err == nil {
				recorder := services.NewOutcomeRecorder(a.snapshots, a.outcomes, odds, a.eventMgr, a.log)

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer cancel()

				for _, sport := range a.cfg.EnabledSports() {
					if _, err := recorder.IngestScores(ctx, sport.Key); err != nil {
						return err
					}
				}
			}

			result, err := evaluator.EvaluateAllPending(500)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"scored":  len(result.Scored),
				"skipped": result.Skipped,
				"errors":  result.Errors,
			})
		},
	}

	cmd.Flags().BoolVar(&report, "report", false, "print the aggregate accuracy report instead of evaluating")
	return cmd
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check every stored content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			verifier := services.NewVerifier(a.snapshots, a.analyses, a.outcomes, a.evaluations, a.proposals, a.eventMgr, a.log)
			report, err := verifier.VerifyAll()
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if len(report.Mismatches) > 0 {
				return fmt.Errorf("%d hash mismatch(es) found", len(report.Mismatches))
			}
			return nil
		},
	}
}

// NewLineageCommand creates the lineage command.
func NewLineageCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <analysis-id>",
		Short: "Print the root-first ancestry of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			resolver := lineage.NewResolver(a.analyses, a.log)
			chain, err := resolver.Lineage(args[0])
			if err != nil {
				return err
			}
			if chain == nil {
				return fmt.Errorf("analysis %s not found", args[0])
			}

			for i, analysis := range chain {
				fmt.Printf("%d. %s  created=%s  version=%s  snapshots=%d\n",
					i+1, analysis.AnalysisID,
					analysis.CreatedAt.Format(time.RFC3339),
					analysis.AnalysisVersion,
					len(analysis.InputSnapshotIDs))
			}
			return nil
		},
	}
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(opts *RootOptions) *cobra.Command {
	var deltas bool

	cmd := &cobra.Command{
		Use:   "timeline <game-id>",
		Short: "Print a game's snapshot history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			timeline, err := a.snapshots.GetByGameID(args[0], 1000)
			if err != nil {
				return err
			}

			if deltas {
				if len(timeline) < 2 {
					fmt.Println("Need at least two snapshots to compute deltas")
					return nil
				}
				var out []services.SnapshotDeltas
				for i := 1; i < len(timeline); i++ {
					out = append(out, services.ComputeDeltas(timeline[i-1], timeline[i]))
				}
				return printJSON(out)
			}

			for _, snapshot := range timeline {
				fmt.Printf("%s  %s  hash=%s\n",
					snapshot.CollectedAt.Format(time.RFC3339),
					snapshot.SnapshotID,
					snapshot.Hash[:16])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deltas, "deltas", false, "print what changed between consecutive snapshots")
	return cmd
}

// NewProposalsCommand creates the proposals command.
func NewProposalsCommand(opts *RootOptions) *cobra.Command {
	var status string
	var setStatus string

	cmd := &cobra.Command{
		Use:   "proposals [proposal-id]",
		Short: "List proposals or update one's status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if setStatus != "" {
				if len(args) == 0 {
					return fmt.Errorf("a proposal id is required with --set-status")
				}
				newStatus := domain.ProposalStatus(setStatus)
				if !newStatus.Valid() {
					return fmt.Errorf("invalid proposal status %q", setStatus)
				}
				updated, err := a.proposals.UpdateStatus(args[0], newStatus)
				if err != nil {
					return err
				}
				if updated == nil {
					return fmt.Errorf("proposal %s not found", args[0])
				}
				return printJSON(updated)
			}

			if len(args) == 1 {
				proposal, err := a.proposals.GetByID(args[0])
				if err != nil {
					return err
				}
				if proposal == nil {
					return fmt.Errorf("proposal %s not found", args[0])
				}
				return printJSON(proposal)
			}

			if status != "" {
				proposalStatus := domain.ProposalStatus(status)
				if !proposalStatus.Valid() {
					return fmt.Errorf("invalid proposal status %q", status)
				}
				proposals, err := a.proposals.GetByStatus(proposalStatus, 100)
				if err != nil {
					return err
				}
				return printJSON(proposals)
			}

			proposals, err := a.proposals.GetAll(100, 0)
			if err != nil {
				return err
			}
			return printJSON(proposals)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&setStatus, "set-status", "", "set the status of the given proposal")
	return cmd
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(opts *RootOptions) *cobra.Command {
	var importPath string

	cmd := &cobra.Command{
		Use:   "archive [game-id]",
		Short: "Export a game's snapshots to cold storage, or import an archive file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			archiver := archive.New(a.snapshots, a.cfg.ArchiveDir, a.log)

			if importPath != "" {
				result, err := archiver.Import(importPath)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"imported":   result.Imported,
					"deduped":    result.Deduped,
					"mismatches": result.Mismatches,
				})
			}

			if len(args) == 0 {
				return fmt.Errorf("a game id is required to export")
			}
			path, err := archiver.ExportGame(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Exported to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&importPath, "import", "", "import an archive file instead of exporting")
	return cmd
}
