package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chatlens/chatlens/internal/analyze"
	"github.com/chatlens/chatlens/internal/batch"
	"github.com/chatlens/chatlens/internal/cache"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/gemini"
	"github.com/chatlens/chatlens/internal/ingest"
	"github.com/chatlens/chatlens/internal/logger"
	"github.com/chatlens/chatlens/internal/metrics"
	"github.com/chatlens/chatlens/internal/model"
	"github.com/chatlens/chatlens/internal/report"
	"github.com/chatlens/chatlens/internal/store"
	"github.com/chatlens/chatlens/internal/transcript"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatlens",
		Short: "Support chat analysis pipeline",
		Long: `Chatlens ingests support conversations, computes response time
metrics, runs a four-aspect model analysis (CX, product, sales, QA),
and aggregates everything into weekly reports.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("chatlens %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("invalid config: %v", err)
	}
	return cfg
}

func openStore(cfg *config.Config, log *logger.Logger) *store.Gateway {
	dsn := cfg.Store.Path
	if cfg.Store.Driver == "postgres" {
		dsn = cfg.Store.DSN
	}
	gw, err := store.Open(cfg.Store.Driver, dsn, log.WithRun())
	if err != nil {
		fail("failed to open store: %v", err)
	}
	return gw
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize chatlens config and result store",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("failed to create data directory: %v", err)
			}

			cfg := loadConfig()
			if err := cfg.Save(); err != nil {
				fail("failed to write config: %v", err)
			}

			log := logger.New()
			gw := openStore(cfg, log)
			defer gw.Close()
			if err := gw.Init(context.Background()); err != nil {
				fail("failed to initialize store: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"store":      cfg.Store.Path,
				})
			} else {
				fmt.Printf("✓ Config directory: %s\n", configDir)
				fmt.Printf("✓ Data directory: %s\n", dataDir)
				fmt.Printf("✓ Result store: %s\n", cfg.Store.Path)
				fmt.Println("\nChatlens initialized successfully!")
			}
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	var (
		weekFlag string
		maxChats int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the weekly analysis batch",
		Long: `Analyze loads the configured conversation source, filters to one
business week, skips conversations already analyzed, and runs the
remainder through the model in rate-limited chunks. Progress is
checkpointed so an interrupted run resumes where it stopped.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			log := logger.New()
			runLog := log.WithRun()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			weekStart, weekEnd, err := resolveWeek(weekFlag)
			if err != nil {
				fail("invalid --week: %v", err)
			}
			weekKey := model.WeekKey(weekStart)
			runLog = runLog.WithField("week", weekKey)

			chats, err := loadChats(ctx, cfg, runLog)
			if err != nil {
				fail("failed to load chats: %v", err)
			}

			var inWeek []*model.Chat
			for _, chat := range chats {
				if last := chat.LastActivity(); !last.Before(weekStart) && !last.After(weekEnd) {
					inWeek = append(inWeek, chat)
				}
			}
			runLog.Infof("%d of %d chats fall in week %s", len(inWeek), len(chats), weekKey)

			if dryRun {
				printDryRun(cfg, inWeek)
				return
			}

			gw := openStore(cfg, log)
			defer gw.Close()
			if err := gw.Init(ctx); err != nil {
				fail("failed to initialize store: %v", err)
			}

			analyzed, err := gw.AnalyzedIDs(ctx, weekStart)
			if err != nil {
				fail("failed to query analyzed chats: %v", err)
			}

			cp, err := batch.OpenCheckpoint(batch.CheckpointPath(cfg.Batch.CheckpointDir, weekKey))
			if err != nil {
				fail("failed to open checkpoint: %v", err)
			}
			completed := cp.CompletedIDs()

			var pending []*model.Chat
			for _, chat := range inWeek {
				if _, ok := analyzed[chat.ID]; ok {
					continue
				}
				if _, ok := completed[chat.ID]; ok {
					continue
				}
				pending = append(pending, chat)
			}
			limit := maxChats
			if limit == 0 {
				limit = cfg.Batch.MaxChats
			}
			if limit > 0 && len(pending) > limit {
				pending = pending[:limit]
			}
			runLog.Infof("%d chats pending (%d stored, %d checkpointed)",
				len(pending), len(analyzed), len(completed))

			// The analyzer's per-aspect loop owns the retry budget;
			// transport-level retries would multiply it.
			client := gemini.NewClient(cfg.Gemini.APIKey,
				gemini.WithTimeout(time.Duration(cfg.Gemini.TimeoutSeconds)*time.Second),
				gemini.WithMaxRetries(0))
			analyzer := analyze.NewAnalyzer(client, cfg.Gemini.Model,
				cfg.Gemini.MaxRetries, cfg.Gemini.Temperature, runLog)
			respCache := cache.New(cfg.Cache.URL, cfg.Gemini.Model,
				time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.Enabled, runLog)
			runner := batch.NewRunner(analyzer, respCache, cfg.Batch.RateLimitRPM, runLog)

			runner.RunBatch(ctx, pending, batch.Options{
				BatchSize: cfg.Batch.BatchSize,
				Progress: func(processed, total int) {
					runLog.Infof("progress: %d/%d", processed, total)
				},
				Checkpoint: func(r *analyze.Result) {
					if err := cp.Append(r); err != nil {
						runLog.WithError(err).Warn("checkpoint write failed")
					}
				},
			})

			// The checkpoint now holds this run's results plus any
			// from interrupted runs; everything in it is unsaved.
			all := cp.Results()
			inserted, err := gw.SaveResults(ctx, all, weekStart, weekEnd, cfg.Store.ChunkSize)
			if err != nil {
				fail("failed to save results: %v", err)
			}
			if allSaved(all, inserted) {
				if err := cp.Remove(); err != nil {
					runLog.WithError(err).Warn("failed to remove checkpoint")
				}
			} else {
				// A dropped chunk's results exist nowhere but the
				// checkpoint; keep it so the next run can retry the
				// save.
				runLog.Warnf("saved %d results but some chunks failed; keeping checkpoint", inserted)
			}

			summary := batch.Summarize(all)
			usage := client.GetUsageStats()
			runLog.WithField("inserted", inserted).
				WithField("cost_usd", fmt.Sprintf("%.4f", usage.EstimatedCostUSD)).
				Infof("week %s done: %d ok, %d failed, %d cache hits",
					weekKey, summary.Succeeded, summary.Failed, summary.CacheHits)

			if jsonOutput {
				printJSON(map[string]any{
					"ok":       true,
					"week":     weekKey,
					"summary":  summary,
					"inserted": inserted,
					"usage":    usage,
				})
			} else {
				fmt.Printf("Week %s: %d analyzed (%d failed, %d cache hits), %d saved, est. cost $%.4f\n",
					weekKey, summary.Total, summary.Failed, summary.CacheHits, inserted, usage.EstimatedCostUSD)
			}
		},
	}

	cmd.Flags().StringVar(&weekFlag, "week", "", "Week start (YYYY-MM-DD, any day of the target week)")
	cmd.Flags().IntVar(&maxChats, "max-chats", 0, "Cap on chats analyzed this run (0 = config default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview metrics without model calls")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Analyze exports as they land in the watch directory",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cfg.Ingest.WatchDir == "" {
				fail("ingest.watch_dir is not configured")
			}
			log := logger.New()
			runLog := log.WithRun()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			gw := openStore(cfg, log)
			defer gw.Close()
			if err := gw.Init(ctx); err != nil {
				fail("failed to initialize store: %v", err)
			}

			// The analyzer's per-aspect loop owns the retry budget;
			// transport-level retries would multiply it.
			client := gemini.NewClient(cfg.Gemini.APIKey,
				gemini.WithTimeout(time.Duration(cfg.Gemini.TimeoutSeconds)*time.Second),
				gemini.WithMaxRetries(0))
			analyzer := analyze.NewAnalyzer(client, cfg.Gemini.Model,
				cfg.Gemini.MaxRetries, cfg.Gemini.Temperature, runLog)
			respCache := cache.New(cfg.Cache.URL, cfg.Gemini.Model,
				time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.Enabled, runLog)
			runner := batch.NewRunner(analyzer, respCache, cfg.Batch.RateLimitRPM, runLog)

			out := make(chan *model.Chat, cfg.Batch.BatchSize)
			watcher := ingest.NewWatcher(cfg.Ingest.WatchDir, runLog)
			watchErr := make(chan error, 1)
			go func() {
				watchErr <- watcher.Run(ctx, out)
				close(out)
			}()

			results := runner.RunStream(ctx, out, batch.Options{
				BatchSize: cfg.Batch.BatchSize,
				Progress: func(processed, _ int) {
					runLog.Infof("processed %d chats", processed)
				},
			})
			if err := <-watchErr; err != nil {
				runLog.WithError(err).Error("watcher stopped")
			}

			if len(results) == 0 {
				runLog.Info("no chats analyzed")
				return
			}
			weekStart, weekEnd := model.WeekRange(time.Now().UTC())
			inserted, err := gw.SaveResults(context.Background(), results, weekStart, weekEnd, cfg.Store.ChunkSize)
			if err != nil {
				fail("failed to save results: %v", err)
			}
			runLog.Infof("saved %d of %d results", inserted, len(results))
		},
	}
}

func newReportCmd() *cobra.Command {
	var weekFlag string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the aggregated summary for a stored week",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			log := logger.New()
			ctx := context.Background()

			gw := openStore(cfg, log)
			defer gw.Close()
			if err := gw.Init(ctx); err != nil {
				fail("failed to initialize store: %v", err)
			}

			var weekStart time.Time
			if weekFlag != "" {
				start, _, err := model.ParseWeek(weekFlag)
				if err != nil {
					fail("invalid --week: %v", err)
				}
				weekStart = start
			} else {
				weeks, err := gw.AvailableWeeks(ctx)
				if err != nil {
					fail("failed to list weeks: %v", err)
				}
				if len(weeks) == 0 {
					fail("no analyzed weeks in the store")
				}
				start, _, err := model.ParseWeek(weeks[0])
				if err != nil {
					fail("corrupt week key %q: %v", weeks[0], err)
				}
				weekStart = start
			}

			rows, err := gw.LoadWeek(ctx, weekStart)
			if err != nil {
				fail("failed to load week: %v", err)
			}
			if len(rows) == 0 {
				fail("no results stored for week %s", model.WeekKey(weekStart))
			}

			rep := report.BuildReport(nil, rows)
			summary := rep.Summary
			if jsonOutput {
				printJSON(map[string]any{
					"week":   model.WeekKey(weekStart),
					"report": rep,
				})
				return
			}

			fmt.Printf("Week %s — %d conversations analyzed\n\n", model.WeekKey(weekStart), summary.TotalAnalyzed)
			fmt.Printf("Sentiment: %d positive / %d neutral / %d negative\n",
				summary.SentimentCounts["positive"], summary.SentimentCounts["neutral"], summary.SentimentCounts["negative"])
			fmt.Printf("Avg humanization: %.2f   Avg NPS prediction: %.2f\n",
				summary.AvgHumanization, summary.AvgNPS)
			fmt.Printf("Outcomes: %d converted / %d lost / %d in progress (conversion %.1f%%)\n",
				summary.OutcomeCounts["converted"], summary.OutcomeCounts["lost"],
				summary.OutcomeCounts["in_progress"], summary.ConversionRate)
			if len(summary.TopProducts) > 0 {
				fmt.Printf("\nTop products (%d mentions):\n", summary.TotalMentions)
				for _, p := range summary.TopProducts {
					fmt.Printf("  %3d  %s\n", p.Count, p.Name)
				}
			}
			if len(rep.FunnelStages) > 0 {
				fmt.Println("\nFunnel stages:")
				for stage, n := range rep.FunnelStages {
					fmt.Printf("  %3d  %s\n", n, stage)
				}
			}
			if len(rep.LossReasons) > 0 {
				fmt.Println("\nLoss reasons:")
				for reason, n := range rep.LossReasons {
					fmt.Printf("  %3d  %s\n", n, reason)
				}
			}
		},
	}

	cmd.Flags().StringVar(&weekFlag, "week", "", "Week to report on (YYYY-MM-DD, defaults to latest)")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Response cache operations",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show response cache statistics",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			log := logger.New()
			c := cache.New(cfg.Cache.URL, cfg.Gemini.Model,
				time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.Enabled, log.WithRun())
			if !c.Enabled() {
				fail("cache is disabled or unreachable")
			}
			stats := c.Stats(context.Background())
			if jsonOutput {
				printJSON(stats)
			} else {
				fmt.Printf("Entries: %d\nSize: %d bytes\n", stats.Entries, stats.SizeBytes)
			}
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached model response",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			log := logger.New()
			c := cache.New(cfg.Cache.URL, cfg.Gemini.Model,
				time.Duration(cfg.Cache.TTLSeconds)*time.Second, cfg.Cache.Enabled, log.WithRun())
			if !c.Enabled() {
				fail("cache is disabled or unreachable")
			}
			deleted, err := c.ClearAll(context.Background())
			if err != nil {
				fail("failed to clear cache: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "deleted": deleted})
			} else {
				fmt.Printf("Deleted %d cached responses\n", deleted)
			}
		},
	})

	return cacheCmd
}

// allSaved reports whether every savable result made it into the
// store. Error results never insert, so they don't count against the
// checkpoint.
func allSaved(results []*analyze.Result, inserted int) bool {
	savable := 0
	for _, r := range results {
		if !r.Failed() {
			savable++
		}
	}
	return inserted >= savable
}

// resolveWeek maps an optional YYYY-MM-DD flag (any day of the target
// week) to the canonical Monday..Friday range, defaulting to the
// current week.
func resolveWeek(flag string) (time.Time, time.Time, error) {
	if flag == "" {
		start, end := model.WeekRange(time.Now().UTC())
		return start, end, nil
	}
	return model.ParseWeek(flag)
}

func loadChats(ctx context.Context, cfg *config.Config, log *logrus.Entry) ([]*model.Chat, error) {
	switch cfg.Ingest.Source {
	case "warehouse":
		db, err := sql.Open("pgx", cfg.Ingest.DSN)
		if err != nil {
			return nil, fmt.Errorf("open warehouse: %w", err)
		}
		defer db.Close()
		wh := ingest.NewWarehouse(db, cfg.Ingest.Table, log)
		return wh.Load(ctx, cfg.Ingest.DaysBack, 0, false)
	default:
		return ingest.LoadFile(cfg.Ingest.Path, log)
	}
}

// printDryRun shows what a run would analyze, with the operational
// metrics that need no model calls.
func printDryRun(cfg *config.Config, chats []*model.Chat) {
	cal, err := metrics.NewCalendar(cfg.Metrics.Timezone)
	if err != nil {
		fail("invalid metrics timezone: %v", err)
	}
	metrics.SetAgentEmailDomains(cfg.Metrics.AgentEmailDomains)

	perf := metrics.AggregateByAgent(chats, cal)
	tags := metrics.TagCounts(chats)
	heatmap := metrics.Heatmap(chats, cal)

	withTranscript := 0
	for _, chat := range chats {
		if transcript.Format(chat) != "" {
			withTranscript++
		}
	}

	if jsonOutput {
		printJSON(map[string]any{
			"dry_run":         true,
			"chats":           len(chats),
			"with_transcript": withTranscript,
			"agent_metrics":   perf,
			"tag_counts":      tags,
			"heatmap":         heatmap,
		})
		return
	}

	fmt.Printf("Dry run: %d chats (%d with transcripts)\n\n", len(chats), withTranscript)
	if len(perf) > 0 {
		fmt.Println("Agent response times (business hours):")
		for _, p := range perf {
			fmt.Printf("  %-24s %3d chats  wait %6.0fs  handle %6.0fs\n",
				p.Agent, p.Chats, p.AvgWaitSeconds, p.AvgHandleSeconds)
		}
	}
	if len(tags) > 0 {
		fmt.Println("\nTags:")
		for tag, n := range tags {
			fmt.Printf("  %3d  %s\n", n, tag)
		}
	}

	fmt.Println("\nMessage volume by weekday (business-hours heatmap):")
	days := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	for d, row := range heatmap {
		total := 0
		for _, n := range row {
			total += n
		}
		if total > 0 {
			fmt.Printf("  %s %5d\n", days[d], total)
		}
	}
}
