package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardflow/internal/app"
	"cardflow/internal/config"
	"cardflow/internal/models"
	"cardflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:          "cardctl",
	Short:        "Operate cardflow work blocks, cards and jobs",
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CARDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("tenant", "t", "default", "tenant id")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "log to stderr")
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(cardsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(jobsCmd())
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	a, err := app.Open(ctx, config.Load(), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func tenant() string { return viper.GetString("tenant") }

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one work block for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Orchestrator.RunWorkBlock(ctx, tenant())
				if perr := printRuns([]models.AgentRun{run}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func promoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Promote due scheduled cards to approved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.Promote(ctx, tenant())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"promoted": n})
				}
				fmt.Printf("promoted %d card(s)\n", n)
				return nil
			})
		},
	}
}

func executeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "execute [card-id]",
		Short: "Execute one card, or every approved card when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					res, err := a.Executor.ExecuteCard(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				results, err := a.Executor.ExecuteApproved(ctx, tenant(), limit, a.Config.ExecuteDelay)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("Card", "Type", "Success", "Message")
				for _, r := range results {
					tw.AppendRow(table.Row{r.CardID, r.Type, r.Success, r.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum cards to execute (0 = all)")
	return cmd
}

func cardsCmd() *cobra.Command {
	c := &cobra.Command{Use: "cards", Short: "Inspect and move cards"}
	c.AddCommand(cardsListCmd())
	c.AddCommand(cardsTransitionCmd())
	return c
}

func cardsListCmd() *cobra.Command {
	var states, jobID, runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q := store.CardQuery{TenantID: tenant(), JobID: jobID, RunID: runID, Limit: limit}
				for _, st := range strings.Split(states, ",") {
					if st = strings.TrimSpace(st); st != "" {
						q.States = append(q.States, models.CardState(st))
					}
				}
				list, err := a.Store.ListCards(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Type", "State", "Priority", "Client", "Title")
				for _, c := range list {
					tw.AppendRow(table.Row{c.ID, c.Type, c.State, c.Priority, c.ClientID, c.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&states, "state", "", "comma separated states")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum cards")
	return cmd
}

func cardsTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <card-id> <state>",
		Short: "Move a card to a new state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				card, err := a.Cards.Transition(ctx, args[0], models.CardState(args[1]))
				if err != nil {
					return err
				}
				return printJSON(card)
			})
		},
	}
}

func runsCmd() *cobra.Command {
	c := &cobra.Command{Use: "runs", Short: "Inspect work block runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Orchestrator.RunHistory(ctx, tenant(), limit)
				if err != nil {
					return err
				}
				return printRuns(runs)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Mark a running work block cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Orchestrator.CancelRun(ctx, args[0])
			})
		},
	}
	c.AddCommand(list, cancel)
	return c
}

func jobsCmd() *cobra.Command {
	c := &cobra.Command{Use: "jobs", Short: "Manage outreach jobs"}
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create a job from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("-f required")
			}
			job, err := readJobFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job.TenantID = tenant()
				created, err := a.Store.CreateJob(ctx, job)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("created job %s (%s)\n", created.ID, created.Name)
				return nil
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "job YAML file")
	process := &cobra.Command{
		Use:   "process",
		Short: "Advance every running job by one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Jobs.ProcessActiveJobs(ctx, tenant())
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	c.AddCommand(apply, process)
	return c
}

func printRuns(runs []models.AgentRun) error {
	if viper.GetBool("json") {
		return printJSON(runs)
	}
	tw := newTable("ID", "Status", "Started", "Planned", "Sent", "Pressure", "Errors")
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04"), r.PlannedActions, r.Sent,
			fmt.Sprintf("%.2f", r.GoalPressure), len(r.Errors)})
	}
	tw.Render()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
