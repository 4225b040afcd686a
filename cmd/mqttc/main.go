// Command mqttc is the interactive broker client. DNS resolution,
// socket setup, and terminal I/O/prompt formatting are out-of-scope
// collaborators (spec §1, §6); the correlator and REPL dispatch they
// drive live in internal/client and internal/repl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/chzyer/readline"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/client"
	"github.com/jeklemann/csci4211-network-project/internal/repl"
)

func main() {
	logLevel := flag.String("log-level", "warn", "zap log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	host := "localhost"
	port := "1883"
	switch flag.NArg() {
	case 0:
	case 1:
		host = flag.Arg(0)
	case 2:
		host = flag.Arg(0)
		port = flag.Arg(1)
	default:
		usage()
	}

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqttc: ", err)
		os.Exit(1)
	}
	defer log.Sync()

	nc, err := dial(host, port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqttc:", pkgerrors.Wrapf(err, "connecting to %s:%s", host, port))
		os.Exit(1)
	}

	conn := client.New(log, nc)
	conn.Stdout = os.Stdout
	conn.Stderr = os.Stderr
	defer conn.Close()

	rl, err := readline.New("mqttc> ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqttc:", pkgerrors.Wrap(err, "initialising terminal"))
		os.Exit(1)
	}
	defer rl.Close()

	name, ok := promptForName(rl, log, conn)
	if !ok {
		return
	}

	rl.SetPrompt(fmt.Sprintf("%s> ", name))
	runLoop(rl, log, conn, name)
}

// dial resolves host across every candidate address and connects to
// the first one that accepts (spec §6: "tries each candidate address
// in order; first successful connect wins").
func dial(host, port string) (net.Conn, error) {
	addrs, err := net.DefaultResolver.LookupHost(context.Background(), host)
	if err != nil || len(addrs) == 0 {
		// Fall back to letting net.Dial do its own resolution; this
		// also covers literal IPs, which LookupHost handles fine but
		// there is no reason to duplicate net.Dial's own fallback
		// logic if the explicit lookup failed for a transient reason.
		return net.Dial("tcp", net.JoinHostPort(host, port))
	}

	var lastErr error
	for _, addr := range addrs {
		nc, dialErr := net.Dial("tcp", net.JoinHostPort(addr, port))
		if dialErr == nil {
			return nc, nil
		}
		lastErr = dialErr
	}
	return nil, lastErr
}

func promptForName(rl *readline.Instance, log *zap.Logger, conn *client.Conn) (string, bool) {
	r := repl.New(log, conn, os.Stdout, os.Stderr)
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return "", false
		}
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		ok, err := r.Connect(name)
		if err != nil {
			if errors.Is(err, repl.ErrContainsComma) {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Fprintln(os.Stderr, "mqttc:", err)
			return "", false
		}
		if ok {
			return name, true
		}
		// Timed out: repl.Connect already printed the re-prompt message.
	}
}

func runLoop(rl *readline.Instance, log *zap.Logger, conn *client.Conn, name string) {
	r := repl.New(log, conn, os.Stdout, os.Stderr)
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ok, err := r.Dispatch(name, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mqttc:", err)
			return
		}
		if !ok {
			return
		}
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mqttc [host] [port]")
	os.Exit(1)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, pkgerrors.Wrap(err, "parsing -log-level")
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
