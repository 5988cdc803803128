package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servicebay/internal/app"
	"servicebay/internal/config"
	"servicebay/internal/db"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/migrate"
	"servicebay/internal/repo"
	"servicebay/internal/server"
)

var (
	runtimeEnv config.Env
	log        *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "ServiceBay CLI",
	Long: `ServiceBay runs the service desk of an auto workshop.
- Requests move REQUESTED -> ASSIGNED -> IN_PROGRESS -> COMPLETED -> CLOSED.
- Assigning a request reserves a bay and counts against the technician's workload.
- Parts are requested by the technician and deducted from stock when a manager approves them.
- Closing a request prices labor and issues exactly one invoice, paid through the configured gateway.
- Every change is recorded in the event log, view it with 'sb log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		env, err := config.LoadEnv()
		if err != nil {
			return err
		}
		logger, err := app.NewLogger(env, os.Stderr)
		if err != nil {
			return err
		}
		runtimeEnv, log = env, logger
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier")
	flags.String("role", string(auth.RoleAdmin), "actor role (customer, technician, manager, admin)")
	flags.String("shop", "", "shop id (defaults to the only shop in the store)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "shop"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(bayCmd())
	rootCmd.AddCommand(techCmd())
	rootCmd.AddCommand(customerCmd())
	rootCmd.AddCommand(vehicleCmd())
	rootCmd.AddCommand(partCmd())
	rootCmd.AddCommand(restockCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// identity is the caller every CLI command acts as.
func identity() (auth.Identity, error) {
	role, err := auth.ParseRole(viper.GetString("role"))
	if err != nil {
		return auth.Identity{}, err
	}
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return auth.Identity{}, fmt.Errorf("--actor-id required")
	}
	return auth.Identity{ActorID: actor, Role: role}, nil
}

func openStore() (repo.Repo, func(), error) {
	conn, err := db.Open(db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    runtimeEnv.DBDriver,
		DSN:       runtimeEnv.DBDSN,
	})
	if err != nil {
		return repo.Repo{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return repo.Repo{}, nil, err
	}
	return repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()
	return fn(ctx, r)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Identity) error) error {
	who, err := identity()
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		e, err := app.Bootstrap(ctx, r.DB, viper.GetString("shop"), who.ActorID, log)
		if err != nil {
			return err
		}
		return fn(ctx, e, who)
	})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage shop config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var shopID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default servicebay.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(shopID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&shopID, "shop-id", app.DefaultShopID, "shop id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored shop config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a shop config file into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			who, err := identity()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.ImportConfig(ctx, r, cfg, who.ActorID); err != nil {
					return err
				}
				e := engine.New(r.DB, cfg, log)
				if err := e.Pool.SeedBays(ctx, who.ActorID, cfg.Bays); err != nil {
					return err
				}
				fmt.Printf("imported config for shop %s\n", cfg.Shop.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace servicebay.yml)")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				var msg string
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				evts, err := e.LatestEvents(ctx, who, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range evts {
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id and --role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtimeEnv.JWTSecret == "" {
				return fmt.Errorf("%s_JWT_SECRET is required to sign tokens", config.EnvPrefix)
			}
			who, err := identity()
			if err != nil {
				return err
			}
			d, err := parseDuration(ttl)
			if err != nil {
				return err
			}
			tok, err := server.SignToken(runtimeEnv.JWTSecret, who.ActorID, who.Role, d)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok, "actorId": who.ActorID, "role": string(who.Role)})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "24h", "token lifetime")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
