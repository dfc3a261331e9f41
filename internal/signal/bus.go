// Package signal carries call signaling between peers over gossipsub. Each
// user owns one inbox topic; a signaling message is published onto the
// recipient's inbox and every node subscribed under that user id receives it.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/mvdwerf/bouwdeck/internal/call"
	"github.com/mvdwerf/bouwdeck/internal/proto"
)

// Bus implements call.Signaler on top of a shared gossipsub instance. The
// inbox subscription lives for the Bus's lifetime; outbound topics are joined
// lazily and cached, since a joined topic is required to publish.
type Bus struct {
	selfID string
	selfPeer peer.ID
	ps     *pubsub.PubSub

	inbox    *pubsub.Topic
	inboxSub *pubsub.Subscription

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic

	listenerMu sync.Mutex
	listeners  map[int]chan *call.SignalMessage
	nextID     int

	seq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus joins the local user's inbox topic and starts the read loop.
// selfPeer is the libp2p host identity, used to drop self-published echoes.
func NewBus(ps *pubsub.PubSub, selfID string, selfPeer peer.ID) (*Bus, error) {
	inbox, err := ps.Join(proto.SignalTopic(selfID))
	if err != nil {
		return nil, fmt.Errorf("join inbox topic: %w", err)
	}
	sub, err := inbox.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		selfID:    selfID,
		selfPeer:  selfPeer,
		ps:        ps,
		inbox:     inbox,
		inboxSub:  sub,
		topics:    map[string]*pubsub.Topic{proto.SignalTopic(selfID): inbox},
		listeners: make(map[int]chan *call.SignalMessage),
		ctx:       ctx,
		cancel:    cancel,
	}
	go b.readLoop()
	return b, nil
}

// Publish marshals msg onto the recipient's inbox topic. The assigned
// sequence number is diagnostic; delivery order is the transport's.
func (b *Bus) Publish(ctx context.Context, msg *call.SignalMessage) error {
	msg.Sequence = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	topic, err := b.topic(proto.SignalTopic(msg.To))
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish signal to %s: %w", msg.To, err)
	}
	return nil
}

// Subscribe registers a listener for inbound signaling messages. The channel
// is buffered; a listener that stops draining loses messages rather than
// stalling the bus.
func (b *Bus) Subscribe() (<-chan *call.SignalMessage, func()) {
	ch := make(chan *call.SignalMessage, 64)
	b.listenerMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = ch
	b.listenerMu.Unlock()

	cancel := func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[id]; ok {
			delete(b.listeners, id)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears the bus down. Held topics are closed so the router can forget
// them.
func (b *Bus) Close() {
	b.cancel()
	b.inboxSub.Cancel()
	b.topicMu.Lock()
	for name, t := range b.topics {
		if err := t.Close(); err != nil {
			log.Printf("SIGNAL: closing topic %s: %v", name, err)
		}
	}
	b.topics = map[string]*pubsub.Topic{}
	b.topicMu.Unlock()
}

func (b *Bus) topic(name string) (*pubsub.Topic, error) {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

func (b *Bus) readLoop() {
	for {
		raw, err := b.inboxSub.Next(b.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		if raw.ReceivedFrom == b.selfPeer {
			continue
		}
		var msg call.SignalMessage
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			log.Printf("SIGNAL: malformed message from %s dropped: %v", raw.ReceivedFrom, err)
			continue
		}
		if msg.To != b.selfID || msg.From == b.selfID {
			continue
		}
		b.fanOut(&msg)
	}
}

func (b *Bus) fanOut(msg *call.SignalMessage) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for id, ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("SIGNAL: listener %d full — %s for call %s dropped", id, msg.Kind, msg.CallID)
		}
	}
}
