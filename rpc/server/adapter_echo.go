package server

import (
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"time"
)

// MetaDelay makes the echo adapter wait before answering (milliseconds or a Go duration)
const MetaDelay = "delay"

// NewEchoServerAdapter creates an adapter answering every request with its own payload
func NewEchoServerAdapter() IRPCServerAdapter {
	return &echoServerAdapterImpl{}
}

type echoServerAdapterImpl struct{}

func (adapter *echoServerAdapterImpl) Handle(req *common.Message) *common.Message {
	if d, ok := common.ParseMetaDuration(req.Meta[MetaDelay]); ok {
		time.Sleep(d)
	}
	return common.NewResponse(req.Payload, nil)
}
