// fleetctl is the operator CLI: register buses and kiosks, mint one-time
// activation tokens, and build or inspect kiosk snapshots without going
// through the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/config"
	"github.com/saferide/backend/internal/kiosk"
	"github.com/saferide/backend/internal/snapshot"
	"github.com/saferide/backend/internal/store"
)

const usage = `usage: fleetctl <command> [flags]

commands:
  create-bus       -id <bus_id> -label <label> [-capacity N]
  register-kiosk   -id <kiosk_id> [-bus <bus_id>]
  mint-token       -kiosk <kiosk_id> [-ttl 24h]
  mint-admin       -subject <operator> [-ttl 12h]
  build-snapshot   -bus <bus_id> -out <file>
  inspect-snapshot -file <file>
  status           -kiosk <kiosk_id>
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	if err := dispatchCommand(os.Args[1], os.Args[2:], logger); err != nil {
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(1)
	}
}

func dispatchCommand(cmd string, args []string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// inspect-snapshot works on a local file and needs no config or DB.
	if cmd == "inspect-snapshot" {
		return inspectSnapshot(args)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	// mint-admin only signs; no database needed.
	if cmd == "mint-admin" {
		return mintAdmin(cfg, args)
	}

	st, err := store.Open(cfg.Database.DSN, 2, 1)
	if err != nil {
		return err
	}
	defer st.Close()

	switch cmd {
	case "create-bus":
		return createBus(ctx, st, args)
	case "register-kiosk":
		return registerKiosk(ctx, st, args)
	case "mint-token":
		return mintToken(ctx, cfg, st, logger, args)
	case "build-snapshot":
		return buildSnapshot(ctx, st, logger, args)
	case "status":
		return kioskStatus(ctx, cfg, st, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func createBus(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("create-bus", flag.ExitOnError)
	id := fs.String("id", "", "bus id")
	label := fs.String("label", "", "display label")
	capacity := fs.Int("capacity", 40, "seat capacity")
	fs.Parse(args)
	if *id == "" || *label == "" {
		return fmt.Errorf("-id and -label are required")
	}

	if err := st.CreateBus(ctx, &store.Bus{ID: *id, Label: *label, Capacity: *capacity, Status: store.BusActive}); err != nil {
		return err
	}
	fmt.Printf("bus %s created\n", *id)
	return nil
}

func registerKiosk(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("register-kiosk", flag.ExitOnError)
	id := fs.String("id", "", "kiosk id")
	bus := fs.String("bus", "", "bus id to bind (optional)")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	var busID *string
	if *bus != "" {
		if _, err := st.GetBus(ctx, *bus); err != nil {
			return err
		}
		busID = bus
	}
	if err := st.RegisterKiosk(ctx, *id, busID); err != nil {
		return err
	}
	fmt.Printf("kiosk %s registered (inactive until a token is redeemed)\n", *id)
	return nil
}

func mintToken(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	kioskID := fs.String("kiosk", "", "kiosk id")
	ttl := fs.Duration("ttl", time.Duration(cfg.Auth.ActivationTTLHours)*time.Hour, "token lifetime")
	fs.Parse(args)
	if *kioskID == "" {
		return fmt.Errorf("-kiosk is required")
	}

	svc := kiosk.NewService(st, newIssuer(cfg), logger)
	plaintext, err := svc.GenerateActivationToken(ctx, *kioskID, *ttl)
	if err != nil {
		return err
	}
	// Only the hash is stored; this is the one chance to copy the token.
	fmt.Printf("activation token for %s (expires in %s):\n%s\n", *kioskID, *ttl, plaintext)
	return nil
}

func mintAdmin(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("mint-admin", flag.ExitOnError)
	subject := fs.String("subject", "", "operator identity recorded in the token")
	ttl := fs.Duration("ttl", time.Duration(cfg.Auth.AdminTokenTTLHours)*time.Hour, "token lifetime")
	fs.Parse(args)
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	token, err := newIssuer(cfg).MintAdminToken(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func buildSnapshot(ctx context.Context, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("build-snapshot", flag.ExitOnError)
	bus := fs.String("bus", "", "bus id")
	out := fs.String("out", "", "output file")
	fs.Parse(args)
	if *bus == "" || *out == "" {
		return fmt.Errorf("-bus and -out are required")
	}

	builder := snapshot.NewBuilder(st, snapshot.PassthroughDecrypter{}, time.Second, logger)
	art, err := builder.Build(ctx, *bus)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, art.Bytes, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %d students, %d embeddings, content_hash %s\n",
		*out, art.Meta.StudentCount, art.Meta.EmbeddingCount, art.Meta.ContentHash)
	return nil
}

func inspectSnapshot(args []string) error {
	fs := flag.NewFlagSet("inspect-snapshot", flag.ExitOnError)
	file := fs.String("file", "", "snapshot file")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	c, err := snapshot.Read(data)
	if err != nil {
		return err
	}
	fmt.Printf("schema_version:  %s\n", c.Meta.SchemaVersion)
	fmt.Printf("sync_timestamp:  %s\n", c.Meta.SyncTimestamp)
	fmt.Printf("bus_id:          %s\n", c.Meta.BusID)
	fmt.Printf("content_hash:    %s\n", c.Meta.ContentHash)
	fmt.Printf("students:        %d rows (metadata says %d)\n", c.StudentRows, c.Meta.StudentCount)
	fmt.Printf("embeddings:      %d rows (metadata says %d)\n", c.EmbeddingRows, c.Meta.EmbeddingCount)
	return nil
}

func kioskStatus(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	kioskID := fs.String("kiosk", "", "kiosk id")
	fs.Parse(args)
	if *kioskID == "" {
		return fmt.Errorf("-kiosk is required")
	}

	svc := kiosk.NewService(st, newIssuer(cfg), logger)
	status, err := svc.Status(ctx, *kioskID)
	if err != nil {
		return err
	}
	fmt.Printf("kiosk:           %s\n", status.KioskID)
	fmt.Printf("last_heartbeat:  %s\n", status.LastHeartbeat.Format(time.RFC3339))
	fmt.Printf("online:          %v  offline: %v\n", status.IsOnline, status.IsOffline)
	fmt.Printf("status:          %s\n", status.Derived)
	fmt.Printf("battery:         %d%% (charging: %v)\n", status.BatteryLevel, status.IsCharging)
	fmt.Printf("database:        %s (%s), %d students, %d embeddings\n",
		status.DatabaseVersion, status.DatabaseHash, status.StudentCount, status.EmbeddingCount)
	return nil
}

func newIssuer(cfg *config.Config) *auth.Issuer {
	return auth.NewIssuer(cfg.Auth.Secret,
		time.Duration(cfg.Auth.AccessTTLMinutes)*time.Minute,
		time.Duration(cfg.Auth.RefreshTTLHours)*time.Hour,
		time.Duration(cfg.Auth.ClockSkewSeconds)*time.Second)
}
