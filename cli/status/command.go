package status

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect server status",
		Long: `Inspect server status.

Each swarm server exposes a status API to inspect the state of the node, this
can be used to answer questions such as:
* What members does this node know about?
* When did this node last hear from a member?
* Which nodes have failed or left the cluster?

See 'status --help' for the availale commands.

Examples:
  # Inspect the known members in the cluster.
  swarm status cluster members

  # Inspect the members known by server 10.26.104.56:8002.
  swarm status cluster members --server.url http://10.26.104.56:8002
`,
	}

	cmd.AddCommand(newClusterCommand())

	return cmd
}
