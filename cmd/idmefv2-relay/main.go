// Command idmefv2-relay receives IDMEFv2 alerts on one or more transports and
// forwards each of them to every configured outbound transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport/internal/config"
	"github.com/RobertWHurst/idmefv2transport/internal/observability"
	"github.com/RobertWHurst/idmefv2transport/internal/relay"
	"github.com/RobertWHurst/idmefv2transport/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration (default: search idmefv2-relay.yaml)")
	schemes := flag.Bool("schemes", false, "print the supported URI schemes and exit")
	flag.Parse()

	if *schemes {
		for _, scheme := range transport.Schemes() {
			fmt.Println(scheme)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	r, err := relay.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build relay", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		logger.Error("relay failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
