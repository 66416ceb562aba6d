/*
objstore-replay runs a TOML trace of image and buffer allocations against a simulated device and
prints the allocator's memory statistics as json.

	objstore-replay [-detailed] [-watch] [-level debug] trace.toml
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

func newLogger(level string) (*slog.Logger, error) {
	parsedLevel, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "replay",
	})
	l.SetLevel(parsedLevel)

	return slog.New(l), nil
}

func replayFile(logger *slog.Logger, path string, detailed bool) error {
	trace, err := LoadTrace(path)
	if err != nil {
		return err
	}

	replayer, err := NewReplayer(logger, trace)
	if err != nil {
		return err
	}

	err = replayer.Run(trace.Ops)
	fmt.Println(replayer.Allocator().BuildStatsString(detailed))
	return err
}

func main() {
	detailed := flag.Bool("detailed", false, "include every block and placement in the statistics")
	watch := flag.Bool("watch", false, "replay the trace again each time it changes")
	level := flag.String("level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: objstore-replay [-detailed] [-watch] [-level debug] trace.toml")
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger, err := newLogger(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	run := func() {
		err := replayFile(logger, path, *detailed)
		if err != nil {
			logger.Error("replay failed", slog.Any("error", err))
		}
	}

	if !*watch {
		err = replayFile(logger, path, *detailed)
		if err != nil {
			logger.Error("replay failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	run()
	err = watchTrace(ctx, logger, path, run)
	if err != nil {
		logger.Error("watch failed", slog.Any("error", err))
		os.Exit(1)
	}
}
