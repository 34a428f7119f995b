// Command ledger-replay reconciles captured order broadcasts (.jsonl or
// .jsonl.gz, one envelope per line) and prints the resulting ledger as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-terminal/internal/replay"
)

func main() {
	var (
		expected uint
		fpr      float64
	)

	flag.UintVar(&expected, "expected-orders", 1_000_000, "number of distinct orders the paid filter is sized for")
	flag.Float64Var(&fpr, "fpr", 0.001, "false positive rate of the paid filter")
	flag.Parse()

	if flag.NArg() == 0 {
		slog.Error("at least one capture file is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts := replay.Options{ExpectedOrders: expected, FalsePositiveRate: fpr}
	if err := run(ctx, os.Stdout, flag.Args(), opts); err != nil {
		slog.Error("ledger replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, files []string, opts replay.Options) error {
	r := replay.New(opts)

	for _, path := range files {
		if err := feedFile(ctx, r, path); err != nil {
			return err
		}
	}

	rep := r.Report()
	slog.Info("replay complete",
		slog.Int("lines", rep.Lines),
		slog.Int("skipped", rep.Skipped),
		slog.Int("malformed", rep.Malformed),
		slog.Int("suspects", len(rep.Suspects)),
		slog.Int("orders", len(rep.Orders)),
	)
	for _, s := range rep.Suspects {
		slog.Warn("paid order came back",
			slog.String("source", s.Source),
			slog.Int("line", s.Line),
			slog.String("event", string(s.Event)),
			slog.String("order_id", string(s.OrderID)),
		)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}

func feedFile(ctx context.Context, r *replay.Replayer, path string) error {
	rc, err := replay.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = rc.Close() }()

	slog.Info("replaying", slog.String("file", path))
	return r.Feed(ctx, path, rc)
}
