// Package main is the tinyllama command: pretokenize raw shards, train a
// Llama-style model on them, and sample from a checkpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

const version = "v0.1.0"

const usage = `tinyllama %s

Usage:
  tinyllama [--log-level LEVEL] [--log-json] <command> [arguments]

Commands:
  pretokenize [--cores N] [--tokenizer NAME] [--column NAME] [--out DIR] <data_dir>
  train       [config.yaml ...] [--key=value ...]
  sample      --ckpt DIR [--prompt TEXT] [--max-new-tokens N] [--temperature T]
  version

Distributed training reads RANK, LOCAL_RANK, WORLD_SIZE, MASTER_ADDR and
MASTER_PORT from the environment.
`

func main() {
	flag.Usage = func() { fmt.Fprintf(flag.CommandLine.Output(), usage, version) }
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	asJSON := flag.Bool("log-json", false, "log JSON lines instead of text")
	flag.Parse()

	logger, err := newLogger(os.Stderr, *level, *asJSON)
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), logger); err != nil {
		stop()
		fatal(err)
	}
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "pretokenize":
		return runPretokenize(ctx, rest, logger)
	case "train":
		return runTrain(ctx, rest, logger)
	case "sample":
		return runSample(ctx, rest, os.Stdout, logger)
	case "version":
		fmt.Printf("tinyllama %s\n", version)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(w io.Writer, level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
