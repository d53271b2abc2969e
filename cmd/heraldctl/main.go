// Command heraldctl is the operator CLI for streamherald: it inspects and cancels the app's
// EventSub registrations, removes communities, and drives schema migrations.
//
// Usage:
//
//	heraldctl eventsub list
//	heraldctl eventsub cancel-all
//	heraldctl community delete <guild_id>
//	heraldctl migrate up|down|version
//
// It reads the same environment variables as the server (DB_DSN, TWITCH_CLIENT_ID, ...).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamherald/config"
	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/subscriptions"
	"github.com/onnwee/streamherald/twitchapi"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.Load).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// cli carries what subcommands need; loadConfig is swapped out in tests.
type cli struct {
	loadConfig func() (*config.Config, error)
}

func newRootCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	c := &cli{loadConfig: loadConfig}
	root := &cobra.Command{
		Use:          "heraldctl",
		Short:        "Operate a streamherald deployment",
		SilenceUsage: true,
	}
	root.AddCommand(c.eventsubCmd(), c.communityCmd(), c.migrateCmd())
	return root
}

func (c *cli) registrar() (*subscriptions.Registrar, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		return nil, fmt.Errorf("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required")
	}
	hc := &http.Client{Timeout: cfg.UpstreamTimeout}
	return &subscriptions.Registrar{
		Credentials: &twitchapi.Credentials{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			AuthBaseURL:  cfg.TwitchAuthBaseURL,
			HTTPClient:   hc,
		},
		Upstream: &twitchapi.HelixClient{
			ClientID:   cfg.TwitchClientID,
			BaseURL:    cfg.TwitchAPIBaseURL,
			HTTPClient: hc,
		},
	}, nil
}

func (c *cli) openDB() (*sql.DB, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return db.Connect(cfg.DBDsn)
}

func (c *cli) eventsubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventsub",
		Short: "Inspect or cancel the app's Twitch EventSub registrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every EventSub registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.registrar()
			if err != nil {
				return err
			}
			subs, err := reg.ListUpstream(cmd.Context())
			if err != nil {
				return err
			}
			return printSubscriptions(cmd.OutOrStdout(), subs)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel-all",
		Short: "Delete every EventSub registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.registrar()
			if err != nil {
				return err
			}
			report, err := reg.CancelAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d, failed %d\n", report.Cancelled, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d registrations could not be cancelled", report.Failed)
			}
			return nil
		},
	})
	return cmd
}

func printSubscriptions(out io.Writer, subs []twitchapi.EventSubSubscription) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tBROADCASTER\tCALLBACK")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.Status, s.Condition["broadcaster_user_id"], s.Transport.Callback)
	}
	return tw.Flush()
}

func (c *cli) communityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "community",
		Short: "Manage communities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <guild_id>",
		Short: "Remove a community with its destination and subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.Parse(args[0])
			if err != nil || id == 0 {
				return fmt.Errorf("guild_id must be a Discord snowflake: %q", args[0])
			}
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := db.NewStore(database).DeleteCommunity(ctx, id.String()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "community %s deleted\n", id)
			return nil
		},
	})
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	withDB := func(fn func(out io.Writer, database *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			return fn(cmd.OutOrStdout(), database)
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(out io.Writer, database *sql.DB) error {
				if err := db.Migrate(database); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(out io.Writer, database *sql.DB) error {
				if err := db.MigrateDown(database); err != nil {
					return err
				}
				fmt.Fprintln(out, "rolled back one migration")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(out io.Writer, database *sql.DB) error {
				v, dirty, err := db.MigrationVersion(database)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version %d dirty=%t\n", v, dirty)
				return nil
			}),
		},
	)
	return cmd
}
