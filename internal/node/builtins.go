package node

import (
	"github.com/danmuck/edgenode/internal/dispatch"
	"github.com/danmuck/edgenode/internal/protocol/osc"
	"github.com/rs/zerolog/log"
)

const (
	AddrPing   = "/ping"
	AddrPong   = "/pong"
	AddrConfig = "/config"
)

// RegisterBuiltins installs the discovery and remote-configuration
// handlers the host tooling expects.
func (n *Node) RegisterBuiltins() error {
	if err := n.table.RegisterFunc(AddrPing, n.handlePing); err != nil {
		return err
	}
	return n.table.RegisterFunc(AddrConfig, n.handleConfig)
}

// Pong is the discovery reply: /pong ,sss DevID NodeID LocalAddr.
func (n *Node) Pong() osc.Message {
	devID, nodeID := n.mgr.Identity()
	return osc.New(AddrPong,
		osc.String(devID),
		osc.String(nodeID),
		osc.String(n.mgr.LocalAddr().String()),
	)
}

func (n *Node) handlePing(req dispatch.Request) {
	if err := req.Respond(n.Pong()); err != nil {
		log.Warn().Err(err).Str("to", req.Source.String()).Msg("node: pong failed")
	}
}

func (n *Node) handleConfig(req dispatch.Request) {
	log.Info().Str("from", req.Source.String()).Msg("node: remote configuration request")
	n.RequestPortal()
}
