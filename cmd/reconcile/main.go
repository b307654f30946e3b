// Command reconcile runs the manual recovery toolkit from the shell:
// the same operations the /admin/recovery API exposes, for operators
// with direct database access.
//
// Usage:
//
//	reconcile analyze -customer cus_123
//	reconcile create-subscription -user <uuid> -price price_123
//	reconcile dead-letters [-limit 50]
//	reconcile requeue -event evt_123
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wclausen/mimir/internal"
	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: reconcile <analyze|create-subscription|dead-letters|requeue> [flags]")
}

func run(command string, args []string) error {
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}
	logger := internal.NewLogger(os.Stderr, cfg.Env, "warn")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	provider, err := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}

	identity, err := service.NewIdentityService(st, provider, logger)
	if err != nil {
		return err
	}
	subscriptions, err := service.NewSubscriptionService(st, provider, identity, logger)
	if err != nil {
		return err
	}
	recovery, err := service.NewRecoveryService(st, provider, identity, subscriptions, logger)
	if err != nil {
		return err
	}

	switch command {
	case "analyze":
		return analyze(ctx, recovery, args)
	case "create-subscription":
		return createSubscription(ctx, recovery, args)
	case "dead-letters":
		return deadLetters(ctx, recovery, args)
	case "requeue":
		return requeue(ctx, recovery, args)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func analyze(ctx context.Context, recovery service.RecoveryService, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	customerID := fs.String("customer", "", "Stripe customer id (cus_...)")
	fs.Parse(args)
	if *customerID == "" {
		return fmt.Errorf("-customer is required")
	}

	report, err := recovery.Analyze(ctx, *customerID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func createSubscription(ctx context.Context, recovery service.RecoveryService, args []string) error {
	fs := flag.NewFlagSet("create-subscription", flag.ExitOnError)
	user := fs.String("user", "", "local user id (uuid)")
	price := fs.String("price", "", "provider price id the subscription should carry")
	fs.Parse(args)

	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("-user must be a UUID: %w", err)
	}
	if *price == "" {
		return fmt.Errorf("-price is required")
	}

	sub, err := recovery.ManuallyCreateSubscription(ctx, userID, *price)
	if err != nil {
		return err
	}
	fmt.Printf("created subscription %s (status %s)\n", sub.ID, sub.Status)
	return nil
}

func deadLetters(ctx context.Context, recovery service.RecoveryService, args []string) error {
	fs := flag.NewFlagSet("dead-letters", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum number of events to list")
	fs.Parse(args)

	events, err := recovery.ListDeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no dead-lettered events")
		return nil
	}
	for _, e := range events {
		fmt.Printf("%s\t%s\t%d attempts\t%s\n", e.EventID, e.EventType, e.Attempts, e.LastError)
	}
	return nil
}

func requeue(ctx context.Context, recovery service.RecoveryService, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	eventID := fs.String("event", "", "webhook event id to requeue")
	fs.Parse(args)
	if *eventID == "" {
		return fmt.Errorf("-event is required")
	}

	if err := recovery.RequeueDeadLetter(ctx, *eventID); err != nil {
		return err
	}
	fmt.Printf("requeued %s\n", *eventID)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
