package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crewline",
	Short: "Crewline task bot",
	Long: `Crewline is a chat bot that lets admins hand tasks to workers and
workers file requests for admin review.
- Admins: identities listed under admins in crewline.yml; the list is reloaded on change.
- Workers: everyone else who registers with /start.
- Admin tasks go pending -> accepted or pending -> commented; both are final.
- Worker requests go pending -> approved or pending -> rejected.
- Every notification attempt is journaled; view it with 'crewline notifications list'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()
			for _, w := range cfg.Warnings() {
				logger.Warn("config", zap.String("warning", w))
			}

			a, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Connect(); err != nil {
				return err
			}
			if path := viper.GetString("config"); fileExists(path) {
				a.WatchAdmins(path)
			}
			logger.Info("crewline started",
				zap.String("transport", cfg.Bot.Transport),
				zap.Int64s("admins", a.Admins.IDs()))
			return a.Serve(cmd.Context(), cfg.HTTP.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: config.StoragePath(cfg.Storage.Path)})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": n})
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			var warnings []string
			if cfg != nil {
				warnings = cfg.Warnings()
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "warnings": warnings}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Println("warning:", w)
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Bot.Token = redact(shown.Bot.Token)
			shown.Bot.WebhookSecret = redact(shown.Bot.WebhookSecret)
			shown.HTTP.JWTSecret = redact(shown.HTTP.JWTSecret)
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(shown)
		},
	}
}

func usersCmd() *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Inspect registered users"}
	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.UserProfile
					err   error
				)
				switch domain.Role(role) {
				case "":
					items, err = r.ListUsers(ctx)
				case domain.RoleWorker:
					items, err = r.ListWorkers(ctx)
				case domain.RoleAdmin:
					items, err = r.ListUsers(ctx)
					items = filterRole(items, domain.RoleAdmin)
				default:
					return fmt.Errorf("--role must be admin or worker")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Username", "Full name", "Role", "Registered"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Username, u.FullName, u.Role, u.RegisteredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter (admin|worker)")
	users.AddCommand(list)
	return users
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Inspect tasks"}
	tasks.AddCommand(tasksAdminCmd())
	tasks.AddCommand(tasksWorkerCmd(false))
	tasks.AddCommand(tasksWorkerCmd(true))
	return tasks
}

func tasksAdminCmd() *cobra.Command {
	var f repo.AdminTaskFilter
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "List tasks issued by admins, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAdminTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Admin", "Worker", "Status", "Created", "Text"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.AdminName, t.WorkerName, t.Status, t.CreatedAt, t.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.WorkerID, "worker", 0, "worker identity")
	cmd.Flags().Int64Var(&f.AdminID, "admin", 0, "admin identity")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending|accepted|completed|commented)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

// tasksWorkerCmd lists worker requests; as "pending" it is the review queue, oldest first.
func tasksWorkerCmd(pending bool) *cobra.Command {
	var f repo.WorkerTaskFilter
	use, short := "worker", "List requests submitted by workers, newest first"
	if pending {
		use, short = "pending", "List requests awaiting review, oldest first"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending {
				f.Status = domain.WorkerTaskPending
			}
			f.OldestFirst = f.Status == domain.WorkerTaskPending
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkerTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Worker", "Status", "Reviewer", "Created", "Text"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.WorkerName, t.Status, t.ReviewerName, t.CreatedAt, t.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.WorkerID, "worker", 0, "worker identity")
	if !pending {
		cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending|approved|rejected)")
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Inspect the delivery journal"}
	var recipient int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List delivery attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, recipient, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Recipient", "Kind", "Delivered", "Error", "At"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.Recipient, rec.Kind, rec.Delivered, rec.Error, rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&recipient, "user", 0, "recipient identity")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	n.AddCommand(list)
	return n
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize users, tasks and deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.CountUsersByRole(ctx)
				if err != nil {
					return err
				}
				assigned, err := r.CountAdminTasksByStatus(ctx)
				if err != nil {
					return err
				}
				requests, err := r.CountWorkerTasksByStatus(ctx)
				if err != nil {
					return err
				}
				delivered, failed, err := r.DeliveryStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.StatsResponse{
						Admins:      roles[domain.RoleAdmin],
						Workers:     roles[domain.RoleWorker],
						AdminTasks:  assigned,
						WorkerTasks: requests,
						Delivered:   delivered,
						Failed:      failed,
					})
				}
				tw := newTable(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"admins", roles[domain.RoleAdmin]})
				tw.AppendRow(table.Row{"workers", roles[domain.RoleWorker]})
				for _, c := range assigned {
					tw.AppendRow(table.Row{"assigned." + c.Status, c.Count})
				}
				for _, c := range requests {
					tw.AppendRow(table.Row{"requests." + c.Status, c.Count})
				}
				tw.AppendRow(table.Row{"notifications.delivered", delivered})
				tw.AppendRow(table.Row{"notifications.failed", failed})
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage HTTP API keys"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var userID int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a registered user; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("user %d is not registered", userID)
					}
					return err
				}
				raw, err := newRawKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": raw})
				}
				fmt.Printf("API key %s for user %d:\n%s\n", key.ID, key.UserID, raw)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "owner identity")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "owner identity")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.HTTP.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "subject identity")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Path: config.StoragePath(cfg.Storage.Path)})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func filterRole(users []domain.UserProfile, role domain.Role) []domain.UserProfile {
	var out []domain.UserProfile
	for _, u := range users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out
}

func newRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "cl_" + hex.EncodeToString(b), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
