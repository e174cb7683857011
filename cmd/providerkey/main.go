// Command providerkey stores a provider API key in the bridge database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"genbridge/internal/infra"
	"genbridge/internal/infra/credentials"
)

func main() {
	var (
		keyFlag    string
		regionFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "DashScope API key (falls back to DASHSCOPE_API_KEY)")
	flag.StringVar(&regionFlag, "region", "intl", "DashScope region the key belongs to")
	flag.Parse()

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "DASHSCOPE API key is required via -key or environment")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := store.SetDashScopeAPIKey(ctx, key, map[string]any{"region": regionFlag}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist dashscope api key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("DASHSCOPE API key stored successfully")
}
