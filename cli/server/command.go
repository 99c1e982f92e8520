package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-sockaddr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	swarmconfig "github.com/andydunstall/swarm/pkg/config"
	"github.com/andydunstall/swarm/pkg/log"
	"github.com/andydunstall/swarm/server"
	"github.com/andydunstall/swarm/server/cluster"
	"github.com/andydunstall/swarm/server/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "start a server node",
		Long: `Start a server node.

The swarm server gossips with the other nodes in the cluster to maintain the
cluster membership. Each node detects when other nodes fail, and announces
when it leaves the cluster on shutdown.

Use '--cluster.join' to configure addresses of existing members in the
cluster to join.

Examples:
  # Start a swarm server.
  swarm server

  # Start a swarm server, listening for gossip traffic on :7003 and admin
  # connections on :7002.
  swarm server --cluster.gossip.bind-addr :7003 --admin.bind-addr :7002

  # Start a swarm server and join an existing cluster by specifying each
  # member.
  swarm server --cluster.join 10.26.104.14,10.26.104.75

  # Start a swarm server and join an existing cluster by specifying a domain.
  # The server will resolve the domain and attempt to join each returned
  # member.
  swarm server --cluster.join cluster.swarm-ns.svc.cluster.local
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := swarmconfig.Load(conf, configPath, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Cluster.NodeID == "" {
			conf.Cluster.NodeID = cluster.GenerateNodeID(conf.Cluster.NodeIDPrefix)
		}

		if conf.Cluster.Gossip.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Cluster.Gossip.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Cluster.Gossip.AdvertiseAddr = advertiseAddr
		}
		if conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run server", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	s, err := server.NewServer(conf, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	return s.Run(ctx)
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
