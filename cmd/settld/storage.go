package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/settld/pkg/config"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/sqlstore"
)

// openStore connects to Postgres, or falls back to lite mode on a SQLite file
// under the data directory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if !cfg.LiteMode() {
		st, err := sqlstore.Open(ctx, sqlstore.Postgres, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("[settld] postgres: connected")
		return st, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := cfg.SQLitePath()
	st, err := sqlstore.Open(ctx, sqlstore.SQLite, sqlstore.SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("lite mode: %w", err)
	}
	log.Printf("[settld] lite mode: sqlite %s", path)
	return st, nil
}

// loadOrGenerateKeyring reads the hex root seed at keyPath, creating it on
// first start. Tenant signing keys are derived from it, so losing the file
// makes existing signatures unverifiable.
func loadOrGenerateKeyring(keyPath string) (*crypto.Keyring, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid root key format: %w", err)
		}
		root, err := crypto.NewEd25519SignerFromSeed(seed, "root")
		if err != nil {
			return nil, fmt.Errorf("invalid root key: %w", err)
		}
		log.Printf("[settld] trust: loaded persistent root key")
		return crypto.NewKeyring(root), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read root key: %w", err)
	}

	if os.Getenv("SETTLD_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", keyPath)
	}

	root, err := crypto.NewEd25519Signer("root")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o750); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(root.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("write root key: %w", err)
	}
	log.Printf("[settld] trust: generated new persistent root key at %s", keyPath)
	return crypto.NewKeyring(root), nil
}
