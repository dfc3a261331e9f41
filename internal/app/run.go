// Package app wires the node together: config, identity, p2p mesh,
// signaling bus, call coordinator, call log and the local viewer API.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mvdwerf/bouwdeck/internal/call"
	"github.com/mvdwerf/bouwdeck/internal/config"
	"github.com/mvdwerf/bouwdeck/internal/p2p"
	"github.com/mvdwerf/bouwdeck/internal/signal"
	"github.com/mvdwerf/bouwdeck/internal/state"
	"github.com/mvdwerf/bouwdeck/internal/storage"
	"github.com/mvdwerf/bouwdeck/internal/util"
	"github.com/mvdwerf/bouwdeck/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	selfLabel := func() string {
		if cfg.Profile.Label != "" {
			return cfg.Profile.Label
		}
		return "anonymous"
	}

	peers := state.NewPeerTable()

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, peers, selfLabel)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("peer id: %s", node.ID())

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus, err := signal.NewBus(node.PubSub(), node.ID(), node.Host.ID())
	if err != nil {
		return fmt.Errorf("start signaling bus: %w", err)
	}
	defer bus.Close()

	mgr := call.New(call.Config{
		SelfID:        node.ID(),
		RingTimeout:   time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Signaler:      bus,
		Media:         call.Devices{},
		NewSupervisor: call.NewSupervisorFactory(cfg.Call.ICEServers),
	})
	defer mgr.Close()

	// Every finished call lands in the log.
	mgr.OnEvent(func(evt call.Event) {
		if evt.Type != call.EventCallEnded {
			return
		}
		if err := db.RecordCall(evt.Session); err != nil {
			log.Printf("APP: call log write failed: %v", err)
		}
	})

	// Hot-reload: ring timeout changes apply to sessions created afterwards.
	if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
		mgr.SetRingTimeout(time.Duration(next.Call.RingTimeoutSec) * time.Second)
		cfg.Profile = next.Profile
	}); err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	}

	if cfg.Viewer.HTTPAddr != "" {
		go func() {
			if err := viewer.Start(cfg.Viewer.HTTPAddr, viewer.Viewer{
				Node:      node,
				SelfLabel: selfLabel,
				Peers:     peers,
				Calls:     mgr,
				DB:        db,
			}); err != nil {
				log.Printf("APP: viewer stopped: %v", err)
			}
		}()
		log.Printf("viewer: http://%s", cfg.Viewer.HTTPAddr)
	}

	node.RunPresenceLoop(ctx, time.Duration(cfg.Presence.TTLSec)*time.Second)
	node.RunHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)

	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := time.Now()
				peers.PruneStale(
					now.Add(-time.Duration(cfg.Presence.TTLSec)*time.Second),
					now.Add(-time.Duration(cfg.Presence.GraceSec)*time.Second),
				)
			}
		}
	}()

	<-ctx.Done()
	log.Println("APP: shutting down")
	return nil
}
