package status

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/server/cluster"
	"github.com/andydunstall/swarm/server/status/client"
	"github.com/andydunstall/swarm/server/status/config"
)

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "inspect cluster membership",
	}

	cmd.AddCommand(newClusterMembersCommand())
	cmd.AddCommand(newClusterNodesCommand())
	cmd.AddCommand(newClusterMemberCommand())

	return cmd
}

func newClusterMembersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "inspect cluster members",
		Long: `Inspect cluster members.

Queries the server for the alive and suspected members in the cluster.

Examples:
  swarm status cluster members
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showMembers(&conf)
	}

	return cmd
}

type recordOutput struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	AdminAddr string `json:"admin_addr,omitempty"`
	Term      uint64 `json:"term"`
	Status    string `json:"status"`
}

func newRecordOutput(record gossip.NodeRecord) recordOutput {
	output := recordOutput{
		ID:     record.ID,
		Addr:   record.Addr,
		Term:   record.Term,
		Status: record.Status.String(),
	}
	// Metadata set by other applications is ignored.
	if metadata, err := cluster.DecodeNodeMetadata(record.Metadata); err == nil {
		output.AdminAddr = metadata.AdminAddr
	}
	return output
}

type membersOutput struct {
	Members []recordOutput `json:"members"`
}

func showMembers(conf *config.Config) {
	c := newClient(conf)

	members, err := c.Members(context.Background())
	if err != nil {
		fmt.Printf("failed to get cluster members: %s\n", err.Error())
		os.Exit(1)
	}

	var output membersOutput
	for _, member := range members {
		output.Members = append(output.Members, newRecordOutput(member))
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newClusterNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "inspect all known nodes",
		Long: `Inspect all known nodes.

Queries the server for all known nodes in the cluster, including nodes that
have failed or left but not yet expired.

Examples:
  swarm status cluster nodes
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showNodes(&conf)
	}

	return cmd
}

type nodesOutput struct {
	Nodes []recordOutput `json:"nodes"`
}

func showNodes(conf *config.Config) {
	c := newClient(conf)

	nodes, err := c.Nodes(context.Background())
	if err != nil {
		fmt.Printf("failed to get cluster nodes: %s\n", err.Error())
		os.Exit(1)
	}

	var output nodesOutput
	for _, node := range nodes {
		output.Nodes = append(output.Nodes, newRecordOutput(node))
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newClusterMemberCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Args:  cobra.ExactArgs(1),
		Short: "inspect a cluster member",
		Long: `Inspect a cluster member.

Queries the server for the known state of the member with the given ID,
including when the server last heard from the member.

Examples:
  swarm status cluster member bbc69214
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showMember(args[0], &conf)
	}

	return cmd
}

type livenessOutput struct {
	Status            string `json:"status"`
	LastAck           string `json:"last_ack"`
	MissedProbes      int    `json:"missed_probes"`
	SuspicionDeadline string `json:"suspicion_deadline,omitempty"`
}

func newLivenessOutput(liveness *gossip.Liveness) *livenessOutput {
	if liveness == nil {
		return nil
	}
	output := &livenessOutput{
		Status:       liveness.Status.String(),
		LastAck:      liveness.LastAck.Format(time.RFC3339Nano),
		MissedProbes: liveness.MissedProbes,
	}
	if liveness.SuspicionDeadline != nil {
		output.SuspicionDeadline = liveness.SuspicionDeadline.Format(time.RFC3339Nano)
	}
	return output
}

type memberOutput struct {
	Member   recordOutput    `json:"member"`
	Liveness *livenessOutput `json:"liveness,omitempty"`
}

func showMember(nodeID string, conf *config.Config) {
	c := newClient(conf)

	member, err := c.Member(context.Background(), nodeID)
	if err != nil {
		fmt.Printf("failed to get cluster member: %s: %s\n", nodeID, err.Error())
		os.Exit(1)
	}

	output := memberOutput{
		Member:   newRecordOutput(member.NodeRecord),
		Liveness: newLivenessOutput(member.Liveness),
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newClient(conf *config.Config) *client.Cluster {
	// The URL has already been validated in conf.
	url, _ := url.Parse(conf.Server.URL)
	c := client.NewClient(url)
	c.SetTimeout(conf.Server.Timeout)
	return client.NewCluster(c)
}
