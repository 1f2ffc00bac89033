// apmrouter receives metric samples from agents over TCP, whatever the
// protocol they speak, and over UDP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pior/apmrouter/internal/promexporter"
	"github.com/pior/apmrouter/router"
	"github.com/pior/apmrouter/wire"
)

func main() {
	config, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := config.newLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("apmrouter: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config, logger *slog.Logger) error {
	var sink router.Sink = router.SinkFunc(func(wire.Sample) {})
	if config.LogSamples {
		sink = newLogSink(logger)
	}

	serverConfig := router.Config{
		Sink:                sink,
		LookaheadTimeout:    config.LookaheadTimeout,
		MaxTextFrame:        config.MaxTextFrame,
		MaxInflatedDatagram: config.MaxInflatedDatagram,
		MaxCatalogSize:      config.MaxCatalogSize,
		Instrument:          config.Instrument,
		Logger:              logger,
	}

	var exporter *promexporter.Exporter
	if config.Metrics {
		exporter = promexporter.NewExporter()
		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		serverConfig.HTTPHandler = mux
	}

	srv, err := router.NewServer(serverConfig)
	if err != nil {
		return err
	}
	if exporter != nil {
		if err := exporter.Register(promexporter.NewRouterMetrics(srv.Stats)); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return err
	}
	logger.Debug("apmrouter: protocols", "names", srv.Switch().Registry().Names())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if config.ListenUDP != "" {
		pc, err := net.ListenPacket("udp", config.ListenUDP)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error {
			return srv.ServeUDP(ctx, pc)
		})
	}

	err = g.Wait()

	stats := srv.Stats()
	logger.Info("apmrouter: stopped",
		"samples", stats.Samples,
		"frames", stats.Frames,
		"malformed", stats.Malformed,
		"connections", stats.Switch.Connections,
		"datagrams", stats.Datagrams,
	)
	return err
}
