package server

import (
	"github.com/ValentinKolb/sockrpc/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request for the adapter's subsystem and returns a response.
	// The response of a oneway request is discarded.
	// If an error occurs, it should be set in the response
	Handle(req *common.Message) (resp *common.Message)
}
