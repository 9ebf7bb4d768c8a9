package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/app"
	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Riskline CLI",
	Long: `Riskline runs the operational-risk workflows for incidents, risks and measures.
- Policy: one YAML document defines states, transitions, required and editable fields, SLA stages and routing rules.
- Gateway: every write goes through one transaction that checks the transition, the actor's roles and the field rules.
- SLA timers: each stage starts a deadline; the sweep queues overdue notifications once per deadline.
- Notifications: routing rules and overdue deadlines queue messages that the delivery worker sends to log, webhook, redis or kafka.
- Actor: commands run as --actor-id, whose role comes from the user directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("db-driver") == string(db.Postgres) {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RISKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "", "acting user id")
	pf.String("db-driver", "sqlite", "database driver (sqlite or postgres)")
	pf.String("dsn", "", "database DSN (required for postgres)")
	pf.String("policy-file", "", "serve policy from this YAML file instead of the database")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("sender", "log", "notification sender (log, webhook, redis, kafka)")
	pf.String("webhook-url", "", "webhook sender endpoint")
	pf.String("webhook-secret", "", "webhook HMAC secret")
	pf.Duration("webhook-timeout", 0, "webhook request timeout")
	pf.String("redis-addr", "", "redis sender address")
	pf.String("redis-key", "", "redis list key")
	pf.StringSlice("kafka-brokers", nil, "kafka sender brokers")
	pf.String("kafka-topic", "", "kafka sender topic")
	pf.Int("delivery-batch", 100, "notifications per delivery run")
	pf.Int("max-attempts", 5, "delivery attempts before a notification fails")
	for _, name := range []string{
		"workspace", "json", "actor-id", "db-driver", "dsn", "policy-file", "log-level", "log-format",
		"sender", "webhook-url", "webhook-secret", "webhook-timeout", "redis-addr", "redis-key",
		"kafka-brokers", "kafka-topic", "delivery-batch", "max-attempts",
	} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(controlCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func settings() config.Settings {
	return config.Settings{
		Workspace:        viper.GetString("workspace"),
		DBDriver:         viper.GetString("db-driver"),
		DSN:              viper.GetString("dsn"),
		PolicyFile:       viper.GetString("policy-file"),
		Addr:             viper.GetString("addr"),
		BasePath:         viper.GetString("base-path"),
		JWTSecret:        viper.GetString("jwt-secret"),
		AllowActorHeader: viper.GetBool("allow-actor-header"),
		LogLevel:         viper.GetString("log-level"),
		LogFormat:        viper.GetString("log-format"),
		SweepSchedule:    viper.GetString("sweep-schedule"),
		DeliverySchedule: viper.GetString("delivery-schedule"),
		DeliveryBatch:    viper.GetInt("delivery-batch"),
		MaxAttempts:      viper.GetInt("max-attempts"),
		Sender: config.SenderSettings{
			Kind:          viper.GetString("sender"),
			WebhookURL:    viper.GetString("webhook-url"),
			WebhookSecret: viper.GetString("webhook-secret"),
			Timeout:       viper.GetDuration("webhook-timeout"),
			RedisAddr:     viper.GetString("redis-addr"),
			RedisKey:      viper.GetString("redis-key"),
			KafkaBrokers:  viper.GetStringSlice("kafka-brokers"),
			KafkaTopic:    viper.GetString("kafka-topic"),
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("database ready (%s)\n", a.Dialect)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the sweep and delivery jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Serving Riskline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n",
					a.Settings.Addr, a.Settings.BasePath, a.Settings.BasePath)
				return a.Serve(ctx)
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-actor-header", false, "accept X-Actor-Id without a token (local use only)")
	cmd.Flags().String("sweep-schedule", "@every 5m", "overdue sweep cron schedule (empty disables)")
	cmd.Flags().String("delivery-schedule", "@every 1m", "delivery cron schedule (empty disables)")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "allow-actor-header", "sweep-schedule", "delivery-schedule"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	s := settings()
	logger, err := logging.New(s.LogLevel, s.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, s, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor runs fn as the --actor-id user, resolved from the directory.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		id := strings.TrimSpace(viper.GetString("actor-id"))
		if id == "" {
			return fmt.Errorf("--actor-id (or RISKLINE_ACTOR_ID) is required")
		}
		actor, err := a.Engine.ResolveActor(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve actor %s: %w", id, err)
		}
		return fn(ctx, a.Engine, actor)
	})
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

// parseFields turns name=value pairs into raw field values. A value that
// is not valid JSON is taken as a string.
func parseFields(pairs []string) (engine.Fields, error) {
	out := engine.Fields{}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, expected name=value", p)
		}
		if json.Valid([]byte(value)) {
			out[name] = json.RawMessage(value)
			continue
		}
		b, _ := json.Marshal(value)
		out[name] = b
	}
	return out, nil
}
