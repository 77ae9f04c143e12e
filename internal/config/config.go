// Package config holds the runtime configuration for the controller
// (gnsd) and compute (gnscompute) binaries.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Controller holds gnsd runtime configuration.
type Controller struct {
	// Host is the address the controller's HTTP API listens on.
	Host string

	// Port is the TCP port the controller's HTTP API listens on.
	Port int

	// Local, when true, binds only to 127.0.0.1.
	Local bool

	// CertFile/CertKey are the TLS certificate/key paths, used only
	// when SSL is set.
	CertFile string
	CertKey  string
	SSL      bool

	// PIDPath is where the controller writes its process id.
	PIDPath string

	// LogPath is where the controller writes its log; empty means stderr.
	LogPath string

	// Daemon is accepted from --daemon; gnsd only logs that it does not
	// fork and keeps running attached to its terminal.
	Daemon bool

	// DataDir is the base directory for project storage and the registry
	// database.
	DataDir string

	// DBPath is the path to the SQLite project registry.
	DBPath string

	// ProjectsDir is the directory containing per-project on-disk state.
	ProjectsDir string

	// SnapshotsDirName is the per-project subdirectory snapshots are
	// written under.
	SnapshotsDirName string

	// ComputeCallTimeout bounds outbound HTTP calls to computes (§5: 120s).
	ComputeCallTimeout time.Duration

	// ReconnectInitialBackoff/ReconnectMaxBackoff bound the Compute Proxy
	// reconnector's exponential backoff (§4.2: 1s,2s,4s,...,30s cap).
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration

	// BulkConcurrency is the default concurrency cap for bulk project
	// operations (§4.5, default 10).
	BulkConcurrency int

	// NotificationQueueSize bounds a subscriber's event queue (§4.6,
	// default 1000).
	NotificationQueueSize int

	// NotificationPingInterval/NotificationAbsenceTimeout implement the
	// keep-alive contract in §4.6 (10s ping, 30s absence closes stream).
	NotificationPingInterval   time.Duration
	NotificationAbsenceTimeout time.Duration

	// ConsolePortMin/Max and UDPPortMin/Max are the default per-compute
	// port allocator ranges (§4.1).
	ConsolePortMin int
	ConsolePortMax int
	UDPPortMin     int
	UDPPortMax     int
}

// DefaultController returns the default controller configuration.
func DefaultController() *Controller {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".gns3", "controller")

	return &Controller{
		Host:                       "0.0.0.0",
		Port:                       3080,
		DataDir:                    dataDir,
		DBPath:                     filepath.Join(dataDir, "controller.db"),
		ProjectsDir:                filepath.Join(dataDir, "projects"),
		SnapshotsDirName:           "snapshots",
		ComputeCallTimeout:         120 * time.Second,
		ReconnectInitialBackoff:    1 * time.Second,
		ReconnectMaxBackoff:        30 * time.Second,
		BulkConcurrency:            10,
		NotificationQueueSize:      1000,
		NotificationPingInterval:   10 * time.Second,
		NotificationAbsenceTimeout: 30 * time.Second,
		ConsolePortMin:             5000,
		ConsolePortMax:             10000,
		UDPPortMin:                 10000,
		UDPPortMax:                 20000,
	}
}

// EnsureDirs creates all directories the controller needs on disk.
func (c *Controller) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.ProjectsDir, filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Compute holds gnscompute runtime configuration.
type Compute struct {
	// Host/Port is the address the compute's HTTP API listens on.
	Host string
	Port int

	// TunnelHost is the address the controller should dial for UDP
	// tunnels terminating on this compute (may differ from Host behind
	// NAT).
	TunnelHost string

	// DataDir is the base directory for node working directories.
	DataDir string

	ConsolePortMin int
	ConsolePortMax int
	UDPPortMin     int
	UDPPortMax     int
}

// DefaultCompute returns the default compute configuration.
func DefaultCompute() *Compute {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".gns3", "compute")

	return &Compute{
		Host:           "0.0.0.0",
		Port:           3080,
		TunnelHost:     "127.0.0.1",
		DataDir:        dataDir,
		ConsolePortMin: 5000,
		ConsolePortMax: 10000,
		UDPPortMin:     10000,
		UDPPortMax:     20000,
	}
}

// EnsureDirs creates all directories the compute agent needs on disk.
func (c *Compute) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0700)
}
