// Command docrepo-demo wires two Repos over in-memory storage and a linked
// in-memory network adapter, then exercises create, local edit, and
// cross-peer sync end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/crdt/memdoc"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/network"
	"github.com/knirvcorp/automerge-repo-go/internal/network/memnet"
	"github.com/knirvcorp/automerge-repo-go/internal/storage/memstore"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
	"github.com/knirvcorp/automerge-repo-go/pkg/docrepo"
)

func main() {
	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "automerge-repo-go")
	}
	_ = os.MkdirAll(appDataDir, 0o755)

	logger, err := logging.New("info", "console")
	if err != nil {
		log.Fatal(err)
	}

	var aliceLink, bobLink *memnet.Adapter

	alice := docrepo.New(docrepo.Options{
		PeerID:     "alice",
		Storage:    memstore.New("alice-store"),
		Factory:    memdoc.Factory{},
		SyncEngine: memdoc.Engine{},
		Network: []docrepo.AdapterFactory{
			func(sub *network.Subsystem) network.Adapter {
				aliceLink = memnet.New("alice",
					func(peerID wire.PeerID, a *memnet.Adapter) { sub.HandlePeerCandidate(peerID, a) },
					sub.HandlePeerDisconnected,
					sub.HandleInboundMessage,
				)
				return aliceLink
			},
		},
		Logger: logger,
	})
	defer alice.Shutdown()

	bob := docrepo.New(docrepo.Options{
		PeerID:     "bob",
		Storage:    memstore.New("bob-store"),
		Factory:    memdoc.Factory{},
		SyncEngine: memdoc.Engine{},
		Network: []docrepo.AdapterFactory{
			func(sub *network.Subsystem) network.Adapter {
				bobLink = memnet.New("bob",
					func(peerID wire.PeerID, a *memnet.Adapter) { sub.HandlePeerCandidate(peerID, a) },
					sub.HandlePeerDisconnected,
					sub.HandleInboundMessage,
				)
				return bobLink
			},
		},
		Logger: logger,
	})
	defer bob.Shutdown()

	memnet.Link(aliceLink, bobLink)

	alice.AddPeer("bob", wire.PeerMetadata{})
	bob.AddPeer("alice", wire.PeerMetadata{})

	h := alice.Create(map[string]any{"title": "shopping list"})
	if err := h.Change(func(tx crdt.ChangeTx) error {
		return tx.Set("items", []any{"eggs", "bread"})
	}); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("alice created document %s\n", h.DocumentID().URL())

	remote, err := bob.Find(h.DocumentID().URL())
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := remote.Doc(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("bob observed synced document: %v\n", value)

	if err := alice.Flush(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("alice flushed pending saves to storage")
}
