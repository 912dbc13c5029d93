package signaling

import (
	"chatrelay/internal/registry"
	"chatrelay/pkg/protocol"
)

// TargetResolver picks the connections a signal from fromConn is forwarded
// to.
type TargetResolver interface {
	Targets(fromConn string, t protocol.SignalType) []string
}

// HeuristicResolver floods offers and sends answers and candidates back to
// whoever is waiting on an offer. It has no notion of call sessions, so with
// more than two participants answers can reach the wrong offerer.
type HeuristicResolver struct {
	Registry *registry.Registry
	Peers    func() []string
}

func (h HeuristicResolver) Targets(fromConn string, t protocol.SignalType) []string {
	if t == protocol.SignalOffer {
		var out []string
		for _, id := range h.Peers() {
			if id != fromConn {
				out = append(out, id)
			}
		}
		return out
	}

	var out []string
	for _, vs := range h.Registry.States(fromConn) {
		if vs.LastSignalType == protocol.SignalOffer && vs.ConnectionState == registry.StateInitiating {
			out = append(out, vs.ConnID)
		}
	}
	return out
}
