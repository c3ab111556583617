package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Server Modes
// --------------------------------------------------------------------------

type ServerMode string

const (
	ModeStandalone ServerMode = "STANDALONE"
	ModeCluster    ServerMode = "CLUSTER"
)

// ParseServerMode converts a string to a ServerMode
func ParseServerMode(mode string) (ServerMode, error) {
	switch strings.ToUpper(mode) {
	case "STANDALONE", "":
		return ModeStandalone, nil
	case "CLUSTER":
		return ModeCluster, nil
	default:
		return ModeStandalone, fmt.Errorf("invalid mode: %s (expected STANDALONE or CLUSTER)", mode)
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// Defaults for the server configuration
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 9090
	DefaultMaxRequestSize = 2 * 1024 * 1024
	DefaultTCPBacklog     = 128
	DefaultSweepInterval  = 200 * time.Millisecond
	DefaultStatsInterval  = 20 * time.Second

	// BusPortOffset is added to the listening port to derive the UDP bus port
	// used for cluster membership frames.
	BusPortOffset = 10000
)

// ServerConfig holds all configuration parameters for a triekv node.
type ServerConfig struct {
	// Network settings. When UnixSocket is set the server listens on a
	// UNIX-domain socket instead of Host:Port; in cluster mode the bus
	// port and the announced address are still derived from Host/Port.
	Host       string
	Port       int
	UnixSocket string
	TCPBacklog int

	// Protocol limits
	MaxRequestSize uint32

	// Worker pool
	CommandWorkers int

	// Memory settings (advisory)
	MaxMemory      uint64
	MemReclaimTime time.Duration

	// Periodic tasks
	SweepInterval time.Duration
	StatsInterval time.Duration

	// Cluster settings
	Mode     ServerMode
	SeedHost string
	SeedPort int

	// Logging configuration
	LogLevel string
	LogPath  string
}

// Endpoint returns the address the TCP listener binds to.
func (c *ServerConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Family returns the socket family ("unix" or "tcp") and the address to
// listen on, selected per the configuration.
func (c *ServerConfig) Family() (string, string) {
	if c.UnixSocket != "" {
		return "unix", c.UnixSocket
	}
	return "tcp", c.Endpoint()
}

// SplitHostPort splits a HOST:PORT string with a numeric port.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %s: %w", portStr, err)
	}
	return host, port, nil
}

// BusPort returns the UDP port used for cluster membership frames.
func (c *ServerConfig) BusPort() int {
	return c.Port + BusPortOffset
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Network settings
	addSection("Network")
	family, addr := c.Family()
	addField("Family", family)
	addField("Address", addr)
	if family == "tcp" {
		addField("TCP Backlog", fmt.Sprintf("%d", c.TCPBacklog))
	}

	// Protocol settings
	addSection("Protocol")
	addField("Max Request Size", fmt.Sprintf("%d bytes", c.MaxRequestSize))

	// Worker pool
	addSection("Workers")
	addField("Command Workers", fmt.Sprintf("%d", c.CommandWorkers))

	// Memory settings
	addSection("Memory")
	if c.MaxMemory > 0 {
		addField("Max Memory", fmt.Sprintf("%d bytes", c.MaxMemory))
	} else {
		addField("Max Memory", "unlimited")
	}
	addField("Reclaim Interval", c.MemReclaimTime.String())

	// Periodic tasks
	addSection("Timers")
	addField("Sweep Interval", c.SweepInterval.String())
	addField("Stats Interval", c.StatsInterval.String())

	// Cluster settings
	addSection("Cluster")
	addField("Mode", string(c.Mode))
	if c.Mode == ModeCluster {
		addField("Bus Port", fmt.Sprintf("%d", c.BusPort()))
		if c.SeedHost != "" {
			addField("Seed", fmt.Sprintf("%s:%d", c.SeedHost, c.SeedPort))
		}
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.LogPath != "" {
		addField("Log Path", c.LogPath)
	}

	return sb.String()
}
