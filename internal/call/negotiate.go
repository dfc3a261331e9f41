package call

import (
	"fmt"
	"log"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

// negotiator enforces the signaling ordering rules for one session: a remote
// ICE candidate must never reach the supervisor before the remote session
// description has been applied, and the offer/answer slots are filled at
// most once. It is owned by the session's event loop and needs no locking.
type negotiator struct {
	callID string

	remoteSet bool // remote description applied
	answered  bool // answer slot filled (caller side)

	// Candidates that arrived before the remote description. Drained exactly
	// once, in arrival order, immediately after SetRemoteDescription succeeds.
	pending []proto.ICECandidateInit

	// Duplicate-delivery guard — the transport is at-least-once.
	seen map[string]struct{}
}

func newNegotiator(callID string) *negotiator {
	return &negotiator{callID: callID, seen: make(map[string]struct{})}
}

// applyRemote sets the remote description on sup and drains the pending
// candidate queue in arrival order. A second remote description for the same
// session is an error.
func (n *negotiator) applyRemote(sup Supervisor, sdp proto.SDPPayload) error {
	if n.remoteSet {
		return fmt.Errorf("remote description already set for %s", n.callID)
	}
	if err := sup.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.remoteSet = true

	for _, c := range n.pending {
		if err := sup.AddRemoteCandidate(c); err != nil {
			// A single bad candidate is not fatal to the call — others may
			// still complete the path.
			log.Printf("CALL [%s]: queued candidate rejected: %v", n.callID, err)
		}
	}
	n.pending = nil
	return nil
}

// candidate routes one inbound ICE candidate: buffered while the remote
// description is unset, applied directly afterwards. Duplicates are no-ops.
func (n *negotiator) candidate(sup Supervisor, c proto.ICECandidateInit) {
	if _, dup := n.seen[c.Candidate]; dup {
		log.Printf("CALL [%s]: duplicate candidate dropped", n.callID)
		return
	}
	n.seen[c.Candidate] = struct{}{}

	if !n.remoteSet {
		n.pending = append(n.pending, c)
		return
	}
	if err := sup.AddRemoteCandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", n.callID, err)
	}
}

// discard empties the pending queue. Called on every terminal transition.
func (n *negotiator) discard() {
	n.pending = nil
}
