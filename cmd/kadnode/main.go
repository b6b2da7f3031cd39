package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kadnode/internal/config"
	"kadnode/internal/crypto"
	"kadnode/internal/daemon"
	"kadnode/internal/debuglog"
	"kadnode/internal/metrics"
	"kadnode/internal/network"
	"kadnode/internal/peer"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status", "buckets", "nodes", "blacklist":
		return runAdmin(args[0], args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "nodes-dat":
		return runNodesDat(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "kadnode %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: kadnode <run|status|buckets|nodes|blacklist|id|nodes-dat|config|version> [args]")
	fmt.Fprintln(w, "  run        [--config <file>] [--debug]")
	fmt.Fprintln(w, "  status     [--addr <host:port>]")
	fmt.Fprintln(w, "  buckets    [--addr <host:port>] [--flavour emule|overnet]")
	fmt.Fprintln(w, "  nodes      [--addr <host:port>] [--flavour emule|overnet]")
	fmt.Fprintln(w, "  blacklist  [--addr <host:port>]")
	fmt.Fprintln(w, "  id         <key>")
	fmt.Fprintln(w, "  nodes-dat  <file>")
	fmt.Fprintln(w, "  config     [--config <file>]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("KADNODE_DEBUG", "1")
	}
	defer debuglog.Sync()
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY udp=%s node_id=%s admin=%s\n", addr, runner.Local.ID, runner.AdminAddr())
		case <-ctx.Done():
		}
	}()
	if err := runner.RunWithContext(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runAdmin(kind string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(kind, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", config.DefaultAdminAddr, "admin address")
	flavour := fs.String("flavour", "", "engine flavour")
	insecure := fs.Bool("insecure", false, "skip admin certificate pinning")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	req := network.AdminRequest{Type: kind}
	if *flavour != "" {
		req.Args = map[string]string{"flavour": *flavour}
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	raw, err := network.AdminExchange(ctx, *addr, req, *insecure)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", kind, err)
		return 1
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Fprintf(stderr, "%s: bad response: %v\n", kind, err)
		return 1
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: kadnode id <key>")
		return 1
	}
	id, err := crypto.HashID(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}

func runNodesDat(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: kadnode nodes-dat <file>")
		return 1
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "nodes-dat: %v\n", err)
		return 1
	}
	defer f.Close()
	peers, err := peer.ReadNodesDat(f)
	if err != nil {
		fmt.Fprintf(stderr, "nodes-dat: %v\n", err)
		return 1
	}
	for _, p := range peers {
		fmt.Fprintf(stdout, "%s tcp=%d\n", p, p.TCPPort)
	}
	fmt.Fprintf(stdout, "%d contacts\n", len(peers))
	return 0
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	out, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	stdout.Write(out)
	return 0
}
