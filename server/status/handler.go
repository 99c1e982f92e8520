package status

import "github.com/gin-gonic/gin"

// Handler registers routes in the swarm status API, under
// '/status/<route>', to inspect the state of a component.
type Handler interface {
	// Register registers routes on the given group for the handler.
	Register(group *gin.RouterGroup)
}
