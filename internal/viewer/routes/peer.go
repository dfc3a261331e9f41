package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mvdwerf/bouwdeck/internal/state"
)

// RegisterPeers registers the roster and identity endpoints.
func RegisterPeers(mux *http.ServeMux, peers *state.PeerTable, selfID string, selfLabel func() string) {
	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"peer_id": selfID,
			"label":   selfLabel(),
		})
	})

	// GET /api/peers — currently visible peers.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, peers.Snapshot())
	})

	// POST /api/peers/forget — drop a (usually offline) roster entry before
	// the grace-period prune gets to it.
	handlePost(mux, "/api/peers/forget", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if _, ok := peers.Get(req.PeerID); !ok {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}
		peers.Remove(req.PeerID)
		writeJSON(w, map[string]string{"status": "forgotten", "peer_id": req.PeerID})
	})

	// GET /api/peers/events — SSE stream of roster changes.
	handleGet(mux, "/api/peers/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := peers.Subscribe()
		defer peers.Unsubscribe(ch)

		// Seed the client with the full roster first.
		writeSSE(w, flusher, state.PeerEvent{Type: "snapshot", Peers: peers.Snapshot()})

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, flusher, evt)
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt state.PeerEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: peers\ndata: %s\n\n", data)
	flusher.Flush()
}
