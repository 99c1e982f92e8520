package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/swarm/cli/server"
	"github.com/andydunstall/swarm/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "swarm [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Swarm is a cluster membership service.

Each swarm server node gossips with the other members of the cluster to
discover nodes and detect when nodes fail or leave. Every node converges on
the same view of the cluster membership without any central coordinator.

Start a server node with:

  $ swarm server

Join an existing cluster with:

  $ swarm server --cluster.join 10.26.104.14,10.26.104.75

You can also inspect the cluster membership known by a node using:

  $ swarm status cluster members
`,
	}

	cmd.AddCommand(server.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
