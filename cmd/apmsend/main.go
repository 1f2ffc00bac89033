// apmsend reads samples in the raw text format from stdin, one
// TYPE[@TIMESTAMP],FQN,VALUE frame per line or ';'-separated, and sends
// them to routers in binary batches.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pior/apmrouter"
	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/router"
	"github.com/pior/apmrouter/wire"
)

// maxBatchSize bounds the encoded size of one batch.
const maxBatchSize = 4 << 20

type options struct {
	transport  string
	servers    []string
	batchSize  int
	routingKey string
	direct     bool
	compress   bool
	timeout    time.Duration
	verbose    bool
}

func parseOptions(args []string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("apmsend", pflag.ContinueOnError)
	fs.StringVarP(&opts.transport, "transport", "t", "udp", "udp or tcp")
	fs.StringSliceVarP(&opts.servers, "server", "s", []string{"localhost:9120"}, "router address, repeat for several tcp routers")
	fs.IntVarP(&opts.batchSize, "batch-size", "n", 500, "samples per batch")
	fs.StringVar(&opts.routingKey, "routing-key", "", "routing key of every batch (tcp)")
	fs.BoolVar(&opts.direct, "direct", false, "wait for the router to confirm every frame (tcp)")
	fs.BoolVarP(&opts.compress, "gzip", "z", false, "gzip every datagram (udp)")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "timeout of one batch")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if len(opts.servers) == 0 {
		return options{}, errors.New("at least one --server is required")
	}
	if opts.batchSize <= 0 {
		return options{}, fmt.Errorf("invalid batch size %d", opts.batchSize)
	}
	switch opts.transport {
	case "udp":
		if len(opts.servers) > 1 {
			return options{}, errors.New("udp sends to a single server")
		}
	case "tcp":
	default:
		return options{}, fmt.Errorf("unknown transport %q", opts.transport)
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, opts, os.Stdin, logger)
	logger.Info("apmsend: done",
		"batches", stats.Batches,
		"chunks", stats.Chunks,
		"sent", stats.Sent,
		"dropped", stats.Dropped,
		"failed", stats.Failed,
	)
	if err != nil {
		logger.Error("apmsend: failed", "error", err)
		os.Exit(1)
	}
}

func newSender(opts options, logger *slog.Logger) (apmrouter.Sender, error) {
	if opts.transport == "udp" {
		return apmrouter.NewUDPSender(opts.servers[0], apmrouter.UDPConfig{
			Compress: opts.compress,
			Logger:   logger,
		})
	}
	return apmrouter.NewTCPSender(apmrouter.NewStaticServers(opts.servers...), apmrouter.TCPConfig{
		DefaultKey: opts.routingKey,
		Logger:     logger,
	})
}

// run sends every sample read from in and returns the sender stats once
// every batch completed. Malformed frames are logged and skipped.
func run(ctx context.Context, opts options, in io.Reader, logger *slog.Logger) (apmrouter.SenderStats, error) {
	sender, err := newSender(opts, logger)
	if err != nil {
		return apmrouter.SenderStats{}, err
	}

	batchOpts := []batch.Option{batch.WithRoutingKey(opts.routingKey)}
	if opts.direct {
		batchOpts = append(batchOpts, batch.WithOpCode(wire.OpSendMetricDirect))
	}

	var current *batch.Batch
	var sendErr error

	flush := func() {
		if current == nil {
			return
		}
		if current.Len() == 0 {
			current.Release()
			current = nil
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		if err := sender.Send(sendCtx, current); err != nil && sendErr == nil {
			sendErr = err
		}
		current = nil
	}

	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() && ctx.Err() == nil {
		line++
		for frame := range strings.SplitSeq(scanner.Text(), ";") {
			if strings.TrimSpace(frame) == "" {
				continue
			}

			sample, err := router.ParseTextFrame(frame)
			if err != nil {
				logger.Warn("apmsend: skipping malformed frame", "line", line, "error", err)
				continue
			}

			if current == nil {
				current, err = batch.New(maxBatchSize, batchOpts...)
				if err != nil {
					return apmrouter.SenderStats{}, err
				}
			}
			err = current.Append(&sample)
			if errors.Is(err, batch.ErrCapacityExceeded) && current.Len() > 0 {
				flush()
				current, err = batch.New(maxBatchSize, batchOpts...)
				if err != nil {
					return apmrouter.SenderStats{}, err
				}
				err = current.Append(&sample)
			}
			if err != nil {
				logger.Warn("apmsend: skipping sample", "line", line, "error", err)
				continue
			}
			if current.Len() >= opts.batchSize {
				flush()
			}
		}
	}
	flush()

	if udp, ok := sender.(*apmrouter.UDPSender); ok {
		udp.Flush()
	}
	closeErr := sender.Close()

	return sender.Stats(), errors.Join(scanner.Err(), ctx.Err(), sendErr, closeErr)
}
