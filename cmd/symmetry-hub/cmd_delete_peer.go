package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/symmetrynet/symmetry-hub/internal/config"
	"github.com/symmetrynet/symmetry-hub/internal/store"
)

func runDeletePeer(args []string) {
	fs := flag.NewFlagSet("delete-peer", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.StringVar(configPath, "c", config.DefaultPath(), "config file path (shorthand)")
	if err := fs.Parse(args); err != nil {
		osExit(2)
		return
	}
	if fs.NArg() != 1 {
		fatal("Usage: symmetry-hub delete-peer <key> [-c path]")
		return
	}

	if err := doDeletePeer(*configPath, fs.Arg(0)); err != nil {
		fatal("Error: %v", err)
	}
}

func doDeletePeer(configPath, key string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	err = store.NewPeerStore(db).Delete(key)
	if errors.Is(err, store.ErrPeerNotFound) {
		// Deleting an absent peer is not a failure; the desired state holds.
		fmt.Printf("Peer %s not found\n", key)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted peer %s\n", key)
	return nil
}
