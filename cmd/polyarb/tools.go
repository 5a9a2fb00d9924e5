package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alanyoungcy/polyarb/internal/app"
	s3blob "github.com/alanyoungcy/polyarb/internal/blob/s3"
	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/store/postgres"
)

const toolTimeout = 30 * time.Second

// encryptKey writes the key from PRIVATE_KEY, encrypted with the password
// from POLYARB_WALLET_KEY_PASSWORD, to -out. Neither value is accepted as a
// flag so they stay out of shell history.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	out := fs.String("out", "key.json", "output path for the encrypted key")
	_ = fs.Parse(args)

	key := os.Getenv("PRIVATE_KEY")
	password := os.Getenv("POLYARB_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("PRIVATE_KEY and POLYARB_WALLET_KEY_PASSWORD must be set")
	}

	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}

	// Check the file round-trips before the operator deletes the plaintext.
	if _, err := crypto.LoadKey(crypto.KeyConfig{
		EncryptedKeyPath: *out,
		KeyPassword:      crypto.NewSecret(password),
	}); err != nil {
		return fmt.Errorf("verify %s: %w", *out, err)
	}
	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}

// watch prints the last -replay events of a bus channel from its stream and
// then follows live publishes until interrupted.
func watch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	channel := fs.String("channel", domain.ChannelExecutions, "bus channel (opportunities, executions)")
	replay := fs.Int("replay", 20, "stream entries to print before following")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := app.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	var bus domain.SignalBus = redis.NewSignalBus(client, cfg.Redis.StreamMaxLen)

	if *replay > 0 {
		msgs, err := bus.StreamRead(ctx, *channel, "0", *replay)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printEvent(m.ID, m.Payload)
		}
	}

	events, err := bus.Subscribe(ctx, *channel)
	if err != nil {
		return err
	}
	for payload := range events {
		printEvent(time.Now().UTC().Format(time.RFC3339Nano), payload)
	}
	return nil
}

func printEvent(id string, payload []byte) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		fmt.Printf("%s %s\n", id, payload)
		return
	}
	compact, _ := json.Marshal(v)
	fmt.Printf("%s %s\n", id, compact)
}

// listArchives lists archive files in the configured bucket.
func listArchives(args []string) error {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	prefix := fs.String("prefix", "archive/", "object key prefix")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	client, err := app.NewS3Client(ctx, cfg)
	if err != nil {
		return err
	}
	var reader domain.BlobReader = s3blob.NewReader(client)
	files, err := reader.List(ctx, *prefix)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Path, f.Size, f.LastModified.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

// listOpportunities prints the most recent opportunities from postgres.
func listOpportunities(args []string) error {
	fs := flag.NewFlagSet("opportunities", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	since := fs.Duration("since", 24*time.Hour, "how far back to look")
	limit := fs.Int("limit", 50, "maximum rows")
	_ = fs.Parse(args)

	return withPostgres(*configPath, func(ctx context.Context, c *postgres.Client) error {
		from := time.Now().Add(-*since)
		var store domain.OpportunityStore = postgres.NewOpportunityStore(c.Pool())
		opps, err := store.ListRecent(ctx, domain.ListOpts{Since: &from, Limit: *limit})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DETECTED\tMARKET\tKIND\tCOMBINED\tSPREAD_BPS\tSIZE\tSTATE\tREASON")
		for _, o := range opps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				o.DetectedAt.UTC().Format(time.RFC3339), o.MarketID, o.Kind,
				o.CombinedPrice.String(), o.SpreadBps.StringFixed(1), o.ApprovedSize.String(),
				o.State, o.Reason)
		}
		return w.Flush()
	})
}

// listAudit prints audit log entries, optionally filtered by event prefix.
func listAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	event := fs.String("event", "", "event name prefix, e.g. archive. or order_")
	since := fs.Duration("since", 24*time.Hour, "how far back to look")
	limit := fs.Int("limit", 100, "maximum rows")
	_ = fs.Parse(args)

	return withPostgres(*configPath, func(ctx context.Context, c *postgres.Client) error {
		from := time.Now().Add(-*since)
		var store domain.AuditStore = postgres.NewAuditStore(c.Pool())
		entries, err := store.List(ctx, *event, domain.ListOpts{Since: &from, Limit: *limit})
		if err != nil {
			return err
		}
		for _, e := range entries {
			detail, _ := json.Marshal(e.Detail)
			fmt.Printf("%s %-20s %s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Event, detail)
		}
		return nil
	})
}

func withPostgres(configPath string, fn func(ctx context.Context, c *postgres.Client) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	client, err := app.NewPostgresClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}
