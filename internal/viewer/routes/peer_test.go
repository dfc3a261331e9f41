package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mvdwerf/bouwdeck/internal/state"
)

func TestForgetPeer(t *testing.T) {
	peers := state.NewPeerTable()
	peers.Upsert("p1", "mara")

	mux := http.NewServeMux()
	RegisterPeers(mux, peers, "self", func() string { return "me" })

	body, _ := json.Marshal(map[string]string{"peer_id": "p1"})
	req := httptest.NewRequest(http.MethodPost, "/api/peers/forget", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if _, ok := peers.Get("p1"); ok {
		t.Fatal("peer still in roster after forget")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/peers/forget", bytes.NewReader(body))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("forgetting unknown peer: status = %d, want 404", rr.Code)
	}
}
