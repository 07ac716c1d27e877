package server

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/transport/bisocket"
	"github.com/google/uuid"
	"time"
)

// MetaListener names the callback listener a callback request is forwarded to
const MetaListener = "listener"

// defaultCallbackTimeout bounds a forwarded callback without its own time budget
const defaultCallbackTimeout = 30 * time.Second

// NewCallbackServerAdapter creates an adapter forwarding the request payload
// to the callback listener named in the metadata and answering with the
// listener's response
func NewCallbackServerAdapter(callbacks *bisocket.Server) IRPCServerAdapter {
	return &callbackServerAdapterImpl{callbacks: callbacks}
}

type callbackServerAdapterImpl struct {
	callbacks *bisocket.Server
}

func (adapter *callbackServerAdapterImpl) Handle(req *common.Message) *common.Message {
	if adapter.callbacks == nil {
		return common.NewErrorResponse("callbacks are not enabled on this server")
	}

	id, err := uuid.Parse(req.Meta[MetaListener])
	if err != nil {
		return common.NewErrorResponse(fmt.Sprintf("invalid callback listener: %v", err))
	}

	timeout := defaultCallbackTimeout
	if d, ok := req.Timeout(); ok {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg := common.NewCallbackRequest(req.Subsystem, req.Payload)
	if req.IsOneway() {
		msg.MsgType = common.MsgTOneway
	}

	resp, err := adapter.callbacks.Callback(ctx, id, msg)
	if err != nil {
		return common.NewResponse(nil, err)
	}
	if resp == nil {
		return common.NewResponse(nil, nil)
	}
	return resp
}
