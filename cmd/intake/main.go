// Command intake runs the patient intake conversation in the terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/assort-health/intake-agent/internal/app/bootstrap"
	appconfig "github.com/assort-health/intake-agent/internal/config"
	"github.com/assort-health/intake-agent/internal/intake"
	"github.com/assort-health/intake-agent/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create database pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	dispatcher := bootstrap.BuildDispatcher(pool, cfg, logger, nil)
	state := intake.NewState()

	greeting := intake.Greeting()
	state.RecordAssistant(greeting)
	fmt.Printf("\nAssistant: %s\n", greeting)

	scanner := bufio.NewScanner(os.Stdin)
	for !state.Done() {
		fmt.Print("\nYou: ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if lower := strings.ToLower(input); lower == "quit" || lower == "exit" {
			fmt.Println("\nAssistant: Take care! Feel free to reach out anytime.")
			break
		}

		reply := dispatcher.HandleTurn(ctx, state, input)
		fmt.Printf("\nAssistant: %s\n", reply)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		os.Exit(1)
	}
}
