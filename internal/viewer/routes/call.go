package routes

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mvdwerf/bouwdeck/internal/call"
	"github.com/mvdwerf/bouwdeck/internal/storage"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The viewer binds to loopback; native shells connect with non-HTTP origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub bridges the manager's single OnEvent callback to per-connection
// subscriber channels, so SSE and WebSocket clients can come and go without
// the manager accumulating stale handlers.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan call.Event
	nextID int
}

func newEventHub(mgr *call.Manager) *eventHub {
	h := &eventHub{subs: map[int]chan call.Event{}}
	mgr.OnEvent(func(evt call.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for id, ch := range h.subs {
			select {
			case ch <- evt:
			default:
				log.Printf("VIEWER: event subscriber %d full — %s dropped", id, evt.Type)
			}
		}
	})
	return h
}

func (h *eventHub) subscribe() (chan call.Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan call.Event, 16)
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// RegisterCall registers the call control endpoints.
func RegisterCall(mux *http.ServeMux, mgr *call.Manager, db *storage.DB) {
	hub := newEventHub(mgr)

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemotePeer string `json:"remote_peer"`
		Kind       string `json:"kind"`
	}) {
		if req.RemotePeer == "" {
			http.Error(w, "missing remote_peer", http.StatusBadRequest)
			return
		}
		kind := call.Kind(req.Kind)
		if kind == "" {
			kind = call.KindVideo
		}
		sess, err := mgr.StartCall(r.Context(), req.RemotePeer, kind)
		if err != nil {
			status := http.StatusInternalServerError
			if err == call.ErrBusy {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, sess.Info())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := mgr.Get(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		sess.Accept()
		writeJSON(w, map[string]string{"status": "accepted", "call_id": req.CallID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := mgr.Get(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		sess.Reject()
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := mgr.Get(req.CallID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": req.CallID})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := mgr.Get(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := mgr.Get(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	// GET /api/call/active — snapshot of the current session, if any.
	handleGet(mux, "/api/call/active", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mgr.Active()
		if !ok {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{"active": true, "session": sess.Info()})
	})

	// GET /api/call/log — recent finished calls, newest first.
	handleGet(mux, "/api/call/log", func(w http.ResponseWriter, r *http.Request) {
		limit := atoiOrNeg(r.URL.Query().Get("limit"))
		records, err := db.ListCalls(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("list calls failed: %v", err), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []storage.CallRecord{}
		}
		writeJSON(w, records)
	})

	// GET /api/call/events — SSE stream of lifecycle events. Each connection
	// gets its own subscription; unsubscribed on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := hub.subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/feed — WebSocket feed of the same lifecycle events, for
	// native shells that prefer a socket over SSE.
	handleGet(mux, "/api/call/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := hub.subscribe()
		defer cancel()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
		}
	})
}
