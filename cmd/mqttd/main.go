// Command mqttd is the broker binary. Argument parsing, address
// binding, and the rest of process setup are out-of-scope
// collaborators (spec §1, §6); the protocol and concurrency engine
// they wire up live in internal/broker and internal/server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/broker"
	"github.com/jeklemann/csci4211-network-project/internal/server"
)

const (
	minPort = 1024
	maxPort = 65535
)

func main() {
	topicsFlag := flag.String("topics", "WEATHER,NEWS", "comma-separated fixed topic set")
	logLevel := flag.String("log-level", "info", "zap log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() > 1 {
		usage()
	}

	port := 1883
	if flag.NArg() == 1 {
		p, err := parsePortArg(flag.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			usage()
		}
		port = p
	}

	if err := validatePort(port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqttd: ", err)
		os.Exit(1)
	}
	defer log.Sync()

	topics := splitTopics(*topicsFlag)
	b := broker.New(log, broker.RealClock{}, topics)
	srv := server.New(log, b)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Error("listen failed", zap.Error(errors.Wrapf(err, "binding port %d", port)))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("mqttd listening", zap.Int("port", port), zap.Strings("topics", topics))
	if err := srv.Serve(ctx, ln); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mqttd [port]")
	os.Exit(1)
}

func parsePortArg(arg string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(arg, "%d", &p); err != nil || p == 0 {
		return 0, errors.New("invalid port")
	}
	return p, nil
}

func validatePort(p int) error {
	if p < minPort || p > maxPort {
		return errors.Errorf("port %d out of range [%d, %d]", p, minPort, maxPort)
	}
	return nil
}

func splitTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrap(err, "parsing -log-level")
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "" // keep server logs terse, matching the corpus's console encoders
	return cfg.Build()
}
