// Package viewer serves the local HTTP API the UI drives the node with.
// It binds to loopback by default; the API is control-plane only — media
// never flows through it.
package viewer

import (
	"net/http"

	"github.com/mvdwerf/bouwdeck/internal/call"
	"github.com/mvdwerf/bouwdeck/internal/p2p"
	"github.com/mvdwerf/bouwdeck/internal/state"
	"github.com/mvdwerf/bouwdeck/internal/storage"
	"github.com/mvdwerf/bouwdeck/internal/viewer/routes"
)

type Viewer struct {
	Node      *p2p.Node
	SelfLabel func() string
	Peers     *state.PeerTable
	Calls     *call.Manager
	DB        *storage.DB
}

func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()

	routes.RegisterPeers(mux, v.Peers, v.Node.ID(), v.SelfLabel)
	routes.RegisterCall(mux, v.Calls, v.DB)

	return http.ListenAndServe(addr, mux)
}
