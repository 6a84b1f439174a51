package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"digiqc/internal/app"
	"digiqc/internal/config"
	"digiqc/internal/db"
	"digiqc/internal/domain"
	"digiqc/internal/engine"
	"digiqc/internal/events"
	"digiqc/internal/repo"
	"digiqc/internal/report"
	"digiqc/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dq",
	Short: "digiqc field inspection CLI",
	Long: `digiqc runs quality inspections on site, online or not.
Core concepts:
- Workspace: the .digiqc directory holding the local database (events, paused drafts, session, sync queue).
- Draft: one inspection moving Setup -> Collaborators -> Diagram -> Checklist -> Completion.
- Sync queue: submissions and images that could not reach the backend; flushed oldest first.
- Event log: diary of submits, queue changes and logins, view with 'dq log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// A workspace .env may carry DIGIQC_* settings; real env wins.
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DIGIQC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/digiqc.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor recorded on events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Sessions: rt.Sessions,
					Issuer:   rt.Issuer,
					BasePath: basePath,
					DevLogin: cfg.Auth.DevLogin,
					Logger:   rt.Log.WithField("component", "server"),
				})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if cfg.Queue.AutoFlush {
					flusher := engine.Flusher{Engine: rt.Engine, Interval: cfg.Queue.FlushInterval.Duration}
					go func() {
						if err := flusher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							rt.Log.WithError(err).Error("flusher stopped")
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving digiqc API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Sign in to the inspection backend",
		Long:  "Sign in with a phone number or email and a one-time code. The session is kept in the workspace database.",
	}
	a.AddCommand(authSendCmd())
	a.AddCommand(authVerifyCmd())
	a.AddCommand(authWhoamiCmd())
	a.AddCommand(authLogoutCmd())
	return a
}

func authSendCmd() *cobra.Command {
	var countryCode string
	cmd := &cobra.Command{
		Use:   "send <phone-or-email>",
		Short: "Request a one-time code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := rt.Sessions.SendOTP(ctx, args[0], countryCode)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"identifier": id.Value, "login_type": id.LoginType})
				}
				fmt.Printf("OTP Sent Successfully! Verify with: dq auth verify %s <otp>\n", id.Value)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&countryCode, "country-code", "+91", "country calling code for phone numbers")
	return cmd
}

func authVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <identifier> <otp>",
		Short: "Exchange a one-time code for a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.VerifyOTP(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				rt.Engine.RecordAuth(ctx, events.AuthLogin, s.User.ID, events.EventPayload{"login_type": s.LoginType, "source": "cli"})
				if viper.GetBool("json") {
					return printJSON(s.User)
				}
				fmt.Printf("Signed in as %s %s (%s)\n", s.User.FirstName, s.User.LastName, s.Identifier)
				return nil
			})
		},
	}
	return cmd
}

func authWhoamiCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in inspector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Current(ctx)
				if err != nil {
					return err
				}
				user := s.User
				if refresh && rt.Remote != nil {
					fresh, err := rt.Remote.GetUserByIdentifier(ctx, s.Identifier, s.LoginType)
					if err != nil {
						return err
					}
					user = fresh
				}
				return printJSONOrTable(map[string]any{
					"user":       user,
					"identifier": s.Identifier,
					"login_type": s.LoginType,
					"expires_at": s.ExpiresAt,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the user record from the backend")
	return cmd
}

func authLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Sessions.Current(ctx)
				if err != nil {
					return err
				}
				if err := rt.Sessions.Logout(ctx); err != nil {
					return err
				}
				rt.Engine.RecordAuth(ctx, events.AuthLogout, s.User.ID, events.EventPayload{"source": "cli"})
				fmt.Println("signed out")
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the offline sync queue",
		Long:  "Items are listed newest first and delivered oldest first. Failed items stay until retried; synced items stay until cleared.",
	}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueShowCmd())
	q.AddCommand(queueRetryCmd())
	q.AddCommand(queueClearCmd())
	q.AddCommand(queueFlushCmd())
	q.AddCommand(queueImageCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items := rt.Queue.List(ctx)
				if status != "" {
					filtered := items[:0]
					for _, it := range items {
						if string(it.Status) == status {
							filtered = append(filtered, it)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Attempts", "Created", "Last error"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Status, it.Attempts, it.CreatedAt, truncate(it.LastError, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, synced, failed)")
	return cmd
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queued item with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed item back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.RetryItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func queueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove synced items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n := rt.Engine.ClearSynced(ctx, viper.GetString("actor-id"))
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Printf("removed %d synced item(s)\n", n)
				return nil
			})
		},
	}
}

func queueFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver pending items now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.FlushOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if rep.Offline {
					fmt.Println("backend unreachable; nothing sent")
					return nil
				}
				fmt.Printf("attempted %d, synced %d, failed %d\n", rep.Attempted, rep.Synced, rep.Failed)
				return nil
			})
		},
	}
}

func queueImageCmd() *cobra.Command {
	var draftID string
	var questionID int
	cmd := &cobra.Command{
		Use:   "image <file>",
		Short: "Queue a local image for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.QueueImageUpload(ctx, domain.ImageUpload{
					DraftID:    draftID,
					QuestionID: questionID,
					URI:        "file://" + filepath.ToSlash(path),
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&draftID, "draft", "", "inspection id")
	cmd.Flags().IntVar(&questionID, "question", 0, "question id (0 for the diagram)")
	_ = cmd.MarkFlagRequired("draft")
	return cmd
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Paused drafts"}
	d.AddCommand(&cobra.Command{
		Use:   "paused",
		Short: "List paused drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListPaused(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Step", "Paused at"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.TaskName, p.Step, p.PausedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return d
}

func reportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report <queue-item-id>",
		Short: "Export a queued inspection to an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if it.Kind != domain.SyncInspectionSubmit {
					return fmt.Errorf("item %s is a %s, not an inspection", it.ID, it.Kind)
				}
				var p domain.InspectionPayload
				if err := json.Unmarshal(it.Payload, &p); err != nil {
					return fmt.Errorf("decode inspection: %w", err)
				}
				if out == "" {
					out = fmt.Sprintf("inspection-%s.xlsx", p.ID)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := report.WriteInspectionXLSX(f, p); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default inspection-<id>.xlsx)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submits, queue changes, paused drafts and logins.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListEvents(ctx, repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, truncate(evt.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/digiqc.yml: backend, queue backend, checklist template, phone rules and server settings. DIGIQC_JWT_SECRET and DIGIQC_BASE_URL override the file.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default digiqc.yml and a .env with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "DIGIQC_JWT_SECRET", hex.EncodeToString(secret)); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", path, filepath.Join(workspace, ".env"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		ConfigFile: viper.GetString("config"),
		Override:   applyEnv,
	}
}

// applyEnv layers DIGIQC_* variables over the config file.
func applyEnv(cfg *config.Config) {
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("base_url"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := viper.GetString("tenant_id"); v != "" {
		cfg.Remote.TenantID = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Log.Level = v
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if file := viper.GetString("config"); file != "" {
		cfg, err = config.FromFile(file)
	} else {
		cfg, err = config.LoadOrDefault(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
