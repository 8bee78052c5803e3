package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aravinth/rkv/internal/persistence"
	"github.com/aravinth/rkv/internal/pool"
	"github.com/aravinth/rkv/internal/replication"
	"github.com/aravinth/rkv/internal/server"
)

// options is the resolved process configuration.
type options struct {
	server  server.Config
	persist persistence.Config

	// replicaOf is empty for a primary.
	replicaOf   string
	masterHost  string
	masterPort  int
	backlogSize int
	pingPeriod  time.Duration

	metricsPort int
}

var (
	opts    options
	rootCmd = &cobra.Command{
		Use:   "rkv",
		Short: "RESP key-value server with primary/replica replication",
		Long: `rkv serves strings with millisecond expiry and append-only streams over
the Redis wire protocol. A server started with --replicaof follows a primary
and applies its write stream.

Every flag can also be set through the environment as RKV_<FLAG>, with dashes
replaced by underscores (e.g. RKV_REPLICAOF="localhost 6379"). .env and
.env.local in the working directory are loaded first.`,
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	defaults := server.DefaultConfig()
	pdefaults := persistence.DefaultConfig()

	flags := rootCmd.Flags()
	flags.Int("port", defaults.Port, "TCP port to listen on")
	flags.String("bind", defaults.Host, "address to bind (empty for all interfaces)")
	flags.Int("maxclients", defaults.MaxConnections, "maximum concurrent client connections (0 = unlimited)")
	flags.Int("timeout", 0, "close clients idle for this many seconds (0 = never)")
	flags.Int("buffer-size", pool.DefaultBufSize, "per-connection read/write buffer size in bytes")
	flags.String("dir", pdefaults.Dir, "directory holding the snapshot file")
	flags.String("dbfilename", pdefaults.DBFilename, "snapshot file name loaded at startup")
	flags.String("replicaof", "", `follow a primary, given as "<host> <port>" or host:port`)
	flags.Int("repl-backlog-size", replication.DefaultBacklogSize, "replication backlog size in bytes")
	flags.Int("repl-ping-replica-period", int(replication.DefaultPingInterval/time.Second), "seconds between PINGs sent to replicas (0 = off)")
	flags.Int("metrics-port", 0, "Prometheus metrics HTTP port (0 = disabled)")
}

// initConfig loads .env files and wires environment variables into viper.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig binds the flags and resolves them into opts.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	o, err := loadOptions(viper.GetViper())
	if err != nil {
		return err
	}
	opts = o
	return nil
}

func loadOptions(v *viper.Viper) (options, error) {
	o := options{
		server: server.Config{
			Host:           v.GetString("bind"),
			Port:           v.GetInt("port"),
			MaxConnections: v.GetInt("maxclients"),
			IdleTimeout:    time.Duration(v.GetInt("timeout")) * time.Second,
			BufferSize:     v.GetInt("buffer-size"),
		},
		persist: persistence.Config{
			Dir:        v.GetString("dir"),
			DBFilename: v.GetString("dbfilename"),
		},
		replicaOf:   strings.TrimSpace(v.GetString("replicaof")),
		backlogSize: v.GetInt("repl-backlog-size"),
		pingPeriod:  time.Duration(v.GetInt("repl-ping-replica-period")) * time.Second,
		metricsPort: v.GetInt("metrics-port"),
	}

	if o.server.Port < 0 || o.server.Port > 65535 {
		return options{}, fmt.Errorf("invalid port %d", o.server.Port)
	}
	if o.backlogSize <= 0 {
		return options{}, fmt.Errorf("repl-backlog-size must be positive, got %d", o.backlogSize)
	}

	if o.replicaOf != "" {
		host, port, err := parseReplicaOf(o.replicaOf)
		if err != nil {
			return options{}, fmt.Errorf("invalid --replicaof value %q: %w", o.replicaOf, err)
		}
		o.masterHost, o.masterPort = host, port
	}
	return o, nil
}

// parseReplicaOf accepts "<host> <port>" as well as host:port.
func parseReplicaOf(s string) (string, int, error) {
	var host, portStr string
	if fields := strings.Fields(s); len(fields) == 2 {
		host, portStr = fields[0], fields[1]
	} else {
		var err error
		host, portStr, err = net.SplitHostPort(s)
		if err != nil {
			return "", 0, fmt.Errorf("expected \"<host> <port>\" or host:port")
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
