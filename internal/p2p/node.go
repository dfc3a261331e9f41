// Package p2p owns the libp2p host: identity, LAN discovery, the gossipsub
// router and the presence heartbeat loop.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/mvdwerf/bouwdeck/internal/proto"
	"github.com/mvdwerf/bouwdeck/internal/state"
	"github.com/mvdwerf/bouwdeck/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the local libp2p peer: host, gossipsub router, presence topic.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	selfLabel func() string
	peers     *state.PeerTable
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New builds the host, starts mDNS discovery and joins the presence topic.
// selfLabel supplies the display name carried in presence heartbeats.
func New(ctx context.Context, listenPort int, keyFile string, peers *state.PeerTable, selfLabel func() string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		selfLabel: selfLabel,
		peers:     peers,
	}, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

// ID is the stable user id for this node, derived from the identity key.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub exposes the gossipsub router so the signaling bus can join its own
// topics on the same mesh.
func (n *Node) PubSub() *pubsub.PubSub { return n.ps }

// Publish sends one presence heartbeat of the given type.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Label = n.selfLabel()
		msg.Addrs = n.lanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.topic.Publish(ctx, b)
}

// lanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore so a
// call can be placed without waiting for another mDNS round.
func (n *Node) addPeerAddrs(peerID string, addrs []string, ttl time.Duration) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		n.Host.Peerstore().AddAddrs(pid, parsed, ttl)
	}
}

// RunPresenceLoop consumes presence heartbeats and keeps the peer table
// current until ctx is cancelled.
func (n *Node) RunPresenceLoop(ctx context.Context, ttl time.Duration) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Label)
				n.addPeerAddrs(pm.PeerID, pm.Addrs, ttl)
			case proto.TypeOffline:
				// A clean goodbye keeps the entry visible as offline; the
				// grace-period prune drops it later.
				n.peers.MarkOffline(pm.PeerID)
			}
		}
	}()
}

// RunHeartbeat announces online immediately, updates on the given interval
// and best-effort announces offline when ctx ends.
func (n *Node) RunHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		n.Publish(ctx, proto.TypeOnline)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				offCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				n.Publish(offCtx, proto.TypeOffline)
				cancel()
				return
			case <-t.C:
				n.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()
}
