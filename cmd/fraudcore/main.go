// Command fraudcore is a thin demonstration entrypoint for the decision
// engine. It is intentionally not an HTTP server: it reads one transaction
// as JSON (from a file named by -txn, or stdin), runs it through
// Engine.Analyze, prints the resulting Decision, and — if Stage-2 was
// scheduled — drains Subscribe until a terminal event arrives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	fraudcore "github.com/fraudcore/engine"
	"github.com/fraudcore/engine/internal/model"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	txnPath := flag.String("txn", "", "path to a JSON-encoded transaction (default: read from stdin)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	txn, err := readTransaction(*txnPath)
	if err != nil {
		logger.Error("read transaction", "error", err)
		return 1
	}

	eng, err := fraudcore.New(fraudcore.WithLogger(logger), fraudcore.WithVersion(version))
	if err != nil {
		logger.Error("start engine", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Error("close engine", "error", err)
		}
	}()

	decision, err := eng.Analyze(ctx, txn)
	if err != nil {
		logger.Error("analyze", "error", err)
		return 1
	}

	printDecision(decision)

	if decision.State != model.StateStage2Pending {
		return 0
	}

	logger.Info("stage-2 scheduled, watching for final decision", "thread_id", decision.ThreadID)
	events, unsubscribe := eng.Subscribe(decision.ThreadID)
	defer unsubscribe()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return 0
			}
			if event.Kind == model.EventDecisionEmitted || event.Kind == model.EventError {
				final, err := eng.Decision(ctx, decision.ThreadID)
				if err != nil {
					logger.Error("fetch final decision", "error", err)
					return 1
				}
				printDecision(final)
				return 0
			}
		case <-ctx.Done():
			logger.Warn("interrupted before stage-2 completed")
			return 1
		}
	}
}

func readTransaction(path string) (model.Transaction, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var txn model.Transaction
	if err := json.NewDecoder(r).Decode(&txn); err != nil {
		return model.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return txn, nil
}

func printDecision(d model.Decision) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d)
}
