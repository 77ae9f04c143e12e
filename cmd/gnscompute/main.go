// gnscompute is a GNS3 compute agent — it hosts a driver registry and
// the node set the controller assigns to it, exposing them over
// /v2/compute/... and publishing their lifecycle as a notification
// stream the controller's Compute Proxy subscribes to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gns3/gnsd/internal/compute/api"
	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/nodeadapter"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 fatal init failure, 2
// unrecoverable runtime error.
const (
	exitOK           = 0
	exitInitFailure  = 1
	exitRuntimeError = 2
)

func main() {
	cfg := config.DefaultCompute()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "address this compute's HTTP API listens on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port this compute's HTTP API listens on")
	flag.StringVar(&cfg.TunnelHost, "tunnel-host", cfg.TunnelHost, "address the controller should dial for UDP tunnels terminating here")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "base directory for node working directories")
	logPath := flag.String("log", "", "path to write the compute's log (default stderr)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(exitInitFailure)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if err := run(cfg); err != nil {
		log.Printf("fatal: %v", err)
		if _, ok := err.(initError); ok {
			os.Exit(exitInitFailure)
		}
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// initError marks a failure that happened before the compute started
// serving traffic, so main can choose exit code 1 over 2.
type initError struct{ err error }

func (e initError) Error() string { return e.err.Error() }
func (e initError) Unwrap() error { return e.err }

func run(cfg *config.Compute) error {
	if err := cfg.EnsureDirs(); err != nil {
		return initError{fmt.Errorf("create directories: %w", err)}
	}

	reg := driver.NewRegistry()
	reg.Register("cloud", loopback.New())
	reg.Register("nat", loopback.New())
	reg.Register("ethernet_switch", loopback.New())
	reg.Register("ethernet_hub", loopback.New())
	reg.Register("vpcs", loopback.New())

	nodes := nodeadapter.NewManager(reg)

	server := api.NewServer(cfg, nodes)
	if err := server.Start(); err != nil {
		return initError{fmt.Errorf("start API server: %w", err)}
	}

	log.Printf("gnscompute ready (pid %d, listening on %s:%d, tunnel host %s)", os.Getpid(), cfg.Host, cfg.Port, cfg.TunnelHost)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
		return err
	}

	log.Println("gnscompute stopped")
	return nil
}
