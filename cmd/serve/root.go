// Package serve implements the triekv serve command.
package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cmdUtil "github.com/triekv/triekv/cmd/util"
	"github.com/triekv/triekv/common"
	"github.com/triekv/triekv/lib/db"
	"github.com/triekv/triekv/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the triekv server",
		Long:    `Start the triekv server with the specified configuration. The configuration can be set via command line flags, a config file or environment variables. The format of the environment variables is TRIEKV_<flag> (e.g. TRIEKV_IP_PORT=9191)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "ip-address"
	ServeCmd.PersistentFlags().StringP(key, "a", common.DefaultHost, cmdUtil.WrapString("The address the server listens on"))

	key = "ip-port"
	ServeCmd.PersistentFlags().IntP(key, "p", common.DefaultPort, cmdUtil.WrapString("The port the server listens on. In cluster mode the UDP bus is opened on this port + 10000"))

	key = "unix-socket"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of a UNIX-domain socket to listen on instead of TCP"))

	key = "config"
	ServeCmd.PersistentFlags().StringP(key, "c", "", cmdUtil.WrapString("Path to a configuration file"))

	key = "mode"
	ServeCmd.PersistentFlags().StringP(key, "m", "STANDALONE", cmdUtil.WrapString("Server mode, one of STANDALONE or CLUSTER"))

	key = "seed"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(Cluster Mode) Seed node to announce to, in HOST:PORT form where PORT is the seed's listening port"))

	key = "max-request-size"
	ServeCmd.PersistentFlags().Uint32(key, common.DefaultMaxRequestSize, cmdUtil.WrapString("Hard cap on the decoded body length of a request; frames above it are rejected"))

	key = "tcp-backlog"
	ServeCmd.PersistentFlags().Int(key, common.DefaultTCPBacklog, cmdUtil.WrapString("Listen queue depth. Shown in the configuration dump only; the listener does not apply it and uses the kernel's own queue depth"))

	key = "max-memory"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Soft cap on process memory in bytes (advisory, 0 = unlimited)"))

	key = "mem-reclaim-time"
	ServeCmd.PersistentFlags().Duration(key, time.Minute, cmdUtil.WrapString("Period between memory reclaim passes"))

	key = "sweep-interval"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultSweepInterval, cmdUtil.WrapString("Period between expiration sweeps"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultStatsInterval, cmdUtil.WrapString("Period between statistics log lines"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of command workers executing requests against the store"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-path"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("File to mirror log output to"))

	key = "verbose"
	ServeCmd.PersistentFlags().BoolP(key, "v", false, cmdUtil.WrapString("Shorthand for --log-level debug"))
}

// processConfig reads the configuration from the command line flags, the
// optional config file and environment variables and converts them to the
// server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the optional config file first so flags and env override it
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	serveCmdConfig.Host = viper.GetString("ip-address")
	serveCmdConfig.Port = viper.GetInt("ip-port")
	serveCmdConfig.UnixSocket = viper.GetString("unix-socket")
	serveCmdConfig.MaxRequestSize = viper.GetUint32("max-request-size")
	serveCmdConfig.TCPBacklog = viper.GetInt("tcp-backlog")
	serveCmdConfig.MaxMemory = viper.GetUint64("max-memory")
	serveCmdConfig.MemReclaimTime = viper.GetDuration("mem-reclaim-time")
	serveCmdConfig.SweepInterval = viper.GetDuration("sweep-interval")
	serveCmdConfig.StatsInterval = viper.GetDuration("stats-interval")
	serveCmdConfig.CommandWorkers = viper.GetInt("workers")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.LogPath = viper.GetString("log-path")

	if viper.GetBool("verbose") {
		serveCmdConfig.LogLevel = "debug"
	}

	// parse mode
	mode, err := common.ParseServerMode(viper.GetString("mode"))
	if err != nil {
		return err
	}
	serveCmdConfig.Mode = mode

	// parse the optional seed
	if seed := viper.GetString("seed"); seed != "" {
		if mode != common.ModeCluster {
			return fmt.Errorf("a seed can only be set in CLUSTER mode")
		}
		host, port, err := common.SplitHostPort(seed)
		if err != nil {
			return fmt.Errorf("invalid seed %s: %w", seed, err)
		}
		serveCmdConfig.SeedHost = host
		serveCmdConfig.SeedPort = port
	}

	return nil
}

// run starts the triekv server and blocks until a shutdown signal arrives
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(*serveCmdConfig); err != nil {
		return err
	}

	logger := common.GetLogger("serve")
	logger.Infof("Starting triekv v%s", server.Version)
	logger.Infof(serveCmdConfig.String())

	srv := server.New(*serveCmdConfig, db.NewStore())

	// SIGINT and SIGTERM trigger graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		return err
	case received := <-sig:
		logger.Infof("Received %s, shutting down", received)
		srv.Shutdown()
	}
	return nil
}
