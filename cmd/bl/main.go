package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"betaline/internal/config"
	"betaline/internal/db"
	"betaline/internal/domain"
	"betaline/internal/engine"
	"betaline/internal/migrate"
	"betaline/internal/repo"
	"betaline/internal/router"
	"betaline/internal/server"
	"betaline/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Betaline CLI",
	Long: `Betaline runs a beta-testing coordination bot: testers file structured
bug reports through a guided chat form, admins triage them with one tap,
and accepted/rejected decisions feed per-tester score counters.

'bl serve' runs the bot plus a read-only ops API; the other commands
manage the roster, reports and scores directly against the workspace
database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("BETALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor-id", 0, "actor recorded on audit events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default betaline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			applyEnvOverrides(cfg)
			if err := cfg.ValidateServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tg := transport.NewTelegram(cfg.Bot.APIBaseURL, cfg.Bot.Token)
			e := engine.New(conn, cfg, tg)
			if err := e.SeedAdmins(ctx); err != nil {
				return fmt.Errorf("seed admins: %w", err)
			}
			disp := router.NewDispatcher(router.New(e, cfg))

			webhookPath := cfg.Bot.WebhookPath
			if webhookPath == "" {
				webhookPath = "/webhook"
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				Dispatcher:  disp,
				BasePath:    cfg.Server.OpsBase,
				WebhookPath: webhookPath,
				Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			if err := tg.SetWebhook(ctx, strings.TrimRight(cfg.Bot.WebhookBaseURL, "/")+webhookPath); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}

			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			if addr == "" {
				addr = "0.0.0.0:8080"
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shCtx)
			}()
			fmt.Printf("Serving Betaline on http://%s (webhook %s, ops API %s)\n", addr, webhookPath, cfg.Server.OpsBase)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			// Let in-flight updates finish before the process exits.
			disp.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file: BETALINE_BOT_TOKEN and BETALINE_JWT_SECRET.
func applyEnvOverrides(cfg *config.Config) {
	if v := viper.GetString("bot-token"); v != "" {
		cfg.Bot.Token = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
}

func rosterCmd() *cobra.Command {
	roster := &cobra.Command{Use: "roster", Short: "Manage the tester roster"}
	roster.AddCommand(rosterAddCmd())
	roster.AddCommand(rosterRemoveCmd())
	roster.AddCommand(rosterListCmd())
	roster.AddCommand(rosterSetRoleCmd())
	return roster
}

func rosterAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>...",
		Short: "Enroll testers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddTesters(ctx, viper.GetInt64("actor-id"), ids); err != nil {
					return err
				}
				fmt.Printf("Enrolled %d tester(s): %s\n", len(ids), repo.FormatIDs(ids))
				return nil
			})
		},
	}
	return cmd
}

func rosterRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove testers from the roster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveTesters(ctx, viper.GetInt64("actor-id"), ids); err != nil {
					return err
				}
				fmt.Printf("Removed %d tester(s): %s\n", len(ids), repo.FormatIDs(ids))
				return nil
			})
		},
	}
	return cmd
}

func rosterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enrolled testers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				testers, err := r.ListByRole(ctx, domain.RoleTester)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(testers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Handle", "Group", "Accepted", "Rejected"})
				for _, t := range testers {
					tw.AppendRow(table.Row{t.ID, t.Handle, t.Group, t.AcceptedCount, t.RejectedCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rosterSetRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-role <id> <none|tester|admin>",
		Short: "Assign a role directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q", args[0])
			}
			role := domain.Role(args[1])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetRole(ctx, viper.GetInt64("actor-id"), id, role); err != nil {
					return err
				}
				fmt.Printf("Identity %d is now %s\n", id, role)
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Inspect and resolve reports"}
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportFixCmd())
	return rep
}

func reportListCmd() *cobra.Command {
	var status string
	var reporter int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.ReportStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				reports, err := r.ListReports(ctx, repo.ReportFilters{
					Status:     domain.ReportStatus(status),
					ReporterID: reporter,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reporter", "Group", "Version", "Status", "Created"})
				for _, rep := range reports {
					tw.AppendRow(table.Row{rep.ID, rep.ReporterID, rep.Group, rep.Version, rep.Status, rep.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|accepted|rejected|fixed)")
	cmd.Flags().Int64Var(&reporter, "reporter", 0, "filter by reporter id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rep, err := r.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	return cmd
}

func reportFixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix <id>",
		Short: "Mark an accepted report fixed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.MarkFixed(ctx, viper.GetInt64("actor-id"), id)
				if err != nil {
					return err
				}
				if !out.Applied {
					fmt.Printf("Report #%d is %s, not accepted; nothing changed\n", id, out.Report.Status)
					return nil
				}
				fmt.Printf("Report #%d marked fixed\n", id)
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Tester scores and counter consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				testers, err := e.TesterStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(testers); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Handle", "Group", "Accepted", "Rejected"})
					for _, t := range testers {
						tw.AppendRow(table.Row{t.ID, t.Handle, t.Group, t.AcceptedCount, t.RejectedCount})
					}
					tw.Render()
				}
				if !verify {
					return nil
				}
				drift, err := e.Repo.CounterDrift(ctx)
				if err != nil {
					return err
				}
				if len(drift) == 0 {
					fmt.Println("Counters consistent with report statuses.")
					return nil
				}
				fmt.Printf("%d identit(ies) drifted:\n", len(drift))
				return printJSON(drift)
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "reconcile counters against report statuses")
	return cmd
}

func broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast <message>",
		Short: "Send a build update to every tester",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			applyEnvOverrides(cfg)
			if strings.TrimSpace(cfg.Bot.Token) == "" {
				return fmt.Errorf("bot token required to broadcast")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Broadcast(ctx, viper.GetInt64("actor-id"), engine.SessionInput{Text: args[0]})
				if err != nil {
					return err
				}
				fmt.Printf("Delivered to %d of %d testers (%d failed)\n", res.Delivered, res.Attempted, len(res.Failures))
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var actor int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evs, err := r.ListEvents(ctx, repo.EventFilters{Type: evtType, ActorID: actor, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "num", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().Int64Var(&actor, "actor", 0, "filter by actor id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an ops-API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			applyEnvOverrides(cfg)
			tok, err := server.MintToken(cfg.Server.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", "operator", "token role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// withEngine opens the workspace database, runs migrations and hands an
// Engine to fn. Outbound notifications are dropped unless bot credentials
// are configured.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	var tr transport.Transport = transport.Discard{}
	if strings.TrimSpace(cfg.Bot.Token) != "" {
		tr = transport.NewTelegram(cfg.Bot.APIBaseURL, cfg.Bot.Token)
	}
	return fn(ctx, engine.New(conn, cfg, tr))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDArgs(args []string) ([]int64, error) {
	var ids []int64
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
