package cluster

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/server/status"
)

// MemberStatus contains a nodes record along with the local failure
// detector state for the node.
type MemberStatus struct {
	gossip.NodeRecord

	// AdminAddr is the admin address from the node metadata. Only set if the
	// node is a swarm server.
	AdminAddr string `json:"admin_addr,omitempty"`

	// Liveness is the local view of the node. Not set for the local node.
	Liveness *gossip.Liveness `json:"liveness,omitempty"`
}

type Status struct {
	gossip *gossip.Gossip
}

func NewStatus(gossip *gossip.Gossip) *Status {
	return &Status{
		gossip: gossip,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/members", s.listMembersRoute)
	group.GET("/members/:id", s.getMemberRoute)
	group.GET("/nodes", s.listNodesRoute)
	group.GET("/nodes/local", s.getLocalNodeRoute)
}

// listMembersRoute returns the alive and suspect nodes.
func (s *Status) listMembersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.Members())
}

func (s *Status) getMemberRoute(c *gin.Context) {
	id := c.Param("id")
	record, ok := s.gossip.Member(id)
	if !ok {
		c.JSON(http.StatusNotFound, &status.ErrorInfo{
			Message: "node not found",
		})
		return
	}

	member := MemberStatus{
		NodeRecord: record,
	}
	if metadata, err := DecodeNodeMetadata(record.Metadata); err == nil {
		member.AdminAddr = metadata.AdminAddr
	}
	if liveness, ok := s.gossip.Liveness(id); ok {
		member.Liveness = &liveness
	}
	c.JSON(http.StatusOK, member)
}

// listNodesRoute returns all known nodes, including dead and left nodes that
// haven't yet expired.
func (s *Status) listNodesRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.Nodes())
}

func (s *Status) getLocalNodeRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.LocalNode())
}

var _ status.Handler = &Status{}
