// gnsd is the GNS3 controller — the control plane that owns every open
// project, the shared node and link runtime, and the fleet of
// registered compute agents. It exposes its REST API over TCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gns3/gnsd/internal/config"
	"github.com/gns3/gnsd/internal/controller"
	"github.com/gns3/gnsd/internal/controller/api"
	"github.com/gns3/gnsd/internal/driver"
	"github.com/gns3/gnsd/internal/driver/loopback"
	"github.com/gns3/gnsd/internal/linkengine"
	"github.com/gns3/gnsd/internal/nodeadapter"
	"github.com/gns3/gnsd/internal/notify"
	"github.com/gns3/gnsd/internal/project"
	"github.com/gns3/gnsd/internal/secrets"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 fatal init failure, 2
// unrecoverable runtime error.
const (
	exitOK           = 0
	exitInitFailure  = 1
	exitRuntimeError = 2
)

func main() {
	cfg := config.DefaultController()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "address the controller's HTTP API listens on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port the controller's HTTP API listens on")
	flag.BoolVar(&cfg.Local, "local", cfg.Local, "bind only to 127.0.0.1")
	flag.StringVar(&cfg.CertFile, "certfile", cfg.CertFile, "TLS certificate path")
	flag.StringVar(&cfg.CertKey, "certkey", cfg.CertKey, "TLS key path")
	flag.BoolVar(&cfg.SSL, "ssl", cfg.SSL, "enable TLS (requires --certfile/--certkey)")
	flag.StringVar(&cfg.PIDPath, "pid", cfg.PIDPath, "path to write the controller's pid")
	flag.StringVar(&cfg.LogPath, "log", cfg.LogPath, "path to write the controller's log (default stderr)")
	flag.BoolVar(&cfg.Daemon, "daemon", cfg.Daemon, "accepted for compatibility; gnsd does not detach itself")
	flag.Parse()

	if cfg.Local {
		cfg.Host = "127.0.0.1"
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(exitInitFailure)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if cfg.Daemon {
		log.Printf("--daemon requested: gnsd does not fork itself, run it under your own supervisor (systemd, launchd, etc.)")
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

// initError marks a failure that happened before the controller started
// serving traffic, so main can choose exit code 1 over 2.
type initError struct{ err error }

func (e initError) Error() string { return e.err.Error() }
func (e initError) Unwrap() error { return e.err }

func run(cfg *config.Controller) error {
	if err := cfg.EnsureDirs(); err != nil {
		return initError{fmt.Errorf("create directories: %w", err)}
	}

	store, err := project.OpenStore(cfg.DBPath)
	if err != nil {
		return initError{fmt.Errorf("open project index: %w", err)}
	}
	defer store.Close()
	log.Printf("project index: %s", cfg.DBPath)

	reg := driver.NewRegistry()
	reg.Register("cloud", loopback.New())
	reg.Register("nat", loopback.New())
	reg.Register("ethernet_switch", loopback.New())
	reg.Register("ethernet_hub", loopback.New())
	reg.Register("vpcs", loopback.New())

	nodes := nodeadapter.NewManager(reg)
	ports := linkengine.NewComputePorts(cfg.UDPPortMin, cfg.UDPPortMax)
	links := linkengine.New(nodes, ports)

	bus := notify.New(notify.Config{
		QueueSize:      cfg.NotificationQueueSize,
		PingInterval:   cfg.NotificationPingInterval,
		AbsenceTimeout: cfg.NotificationAbsenceTimeout,
	})

	projects := project.NewManager(project.Config{
		BaseDir:     cfg.ProjectsDir,
		Nodes:       nodes,
		Links:       links,
		Bus:         bus,
		Store:       store,
		Concurrency: cfg.BulkConcurrency,
	})

	restoreOpenProjects(projects, store)

	secretStore, err := secrets.NewStore(filepath.Join(cfg.DataDir, "master.key"))
	if err != nil {
		return initError{fmt.Errorf("open secrets store: %w", err)}
	}

	ctl := controller.New(cfg, projects, nodes, links, bus, store, secretStore)
	if n, err := ctl.RestoreComputes(context.Background()); err != nil {
		log.Printf("restore computes: %v", err)
	} else {
		log.Printf("restored %d compute(s) from registry", n)
	}

	server := api.NewServer(cfg, ctl)
	if err := server.Start(); err != nil {
		return initError{fmt.Errorf("start API server: %w", err)}
	}

	pidPath := cfg.PIDPath
	if pidPath == "" {
		pidPath = cfg.DataDir + "/gnsd.pid"
	}
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err == nil {
		defer os.Remove(pidPath)
	}

	log.Printf("gnsd ready (pid %d, listening on %s:%d)", os.Getpid(), cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	var shutdownErr error
	if err := ctl.Shutdown(ctx); err != nil {
		log.Printf("controller shutdown: %v", err)
		shutdownErr = err
	}
	if err := server.Stop(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
		shutdownErr = err
	}

	log.Println("gnsd stopped")
	return shutdownErr
}

// restoreOpenProjects re-opens every project the index marks as
// previously opened, so a controller restart resumes where it left off
// (spec.md §4.5). Projects marked closed stay closed.
func restoreOpenProjects(projects *project.Manager, store *project.Store) {
	rows, err := store.List(context.Background())
	if err != nil {
		log.Printf("list project index: %v", err)
		return
	}
	restored := 0
	for _, row := range rows {
		if row.Status != string(project.StatusOpened) {
			continue
		}
		if _, err := projects.Open(context.Background(), row.ID); err != nil {
			log.Printf("restore project %s: %v", row.ID, err)
			continue
		}
		restored++
	}
	log.Printf("restored %d project(s) from index", restored)
}
