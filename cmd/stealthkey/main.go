// cmd/stealthkey manages the node's stealth key pair outside the server
// process:
//
//	generate — draw a fresh spending/viewing key pair and print it
//	show     — print the meta-address of the keys a node already holds
//
// With --redis, generate persists the pair into the node's store so payd
// picks it up on next start. An existing pair is never overwritten unless
// --force is given: replacing the keys orphans every unclaimed payment
// addressed to the old meta-address.
//
// Usage:
//
//	go run ./cmd/stealthkey/ generate
//	go run ./cmd/stealthkey/ generate --redis localhost:6379
//	go run ./cmd/stealthkey/ show --redis localhost:6379
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilpay/veilpay/internal/stealth"
	"github.com/veilpay/veilpay/internal/store"
)

const stealthKeysKey = "stealth_keys"

type stealthKeyFile struct {
	SpendingPrivateKey string `json:"spending_private_key"`
	ViewingPrivateKey  string `json:"viewing_private_key"`
}

func main() {
	redisAddr := flag.String("redis", "", "Redis address of the node's store (omit to only print)")
	password := flag.String("password", "", "Redis password")
	force := flag.Bool("force", false, "Overwrite an existing key pair")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "generate"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var st store.Store
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: *password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatalf("redis ping: %v", err)
		}
		st = store.NewRedis(rdb, "veilpay")
	}

	switch cmd {
	case "generate":
		generate(ctx, st, *force)
	case "show":
		if st == nil {
			fatalf("show requires --redis")
		}
		show(ctx, st)
	default:
		fatalf("unknown command %q (want generate or show)", cmd)
	}
}

func generate(ctx context.Context, st store.Store, force bool) {
	if st != nil && !force {
		has, err := st.Has(ctx, stealthKeysKey)
		if err != nil {
			fatalf("check existing keys: %v", err)
		}
		if has {
			fatalf("node already holds a key pair; pass --force to replace it (unclaimed payments to the old meta-address become unrecoverable)")
		}
	}

	keys, err := stealth.GenerateKeyPair()
	if err != nil {
		fatalf("generate key pair: %v", err)
	}
	spendHex, viewHex := keys.ExportHex()

	fmt.Printf("meta-address:         %s\n", keys.MetaAddress)
	fmt.Printf("spending private key: %s\n", spendHex)
	fmt.Printf("viewing private key:  %s\n", viewHex)

	if st == nil {
		fmt.Println("\n(not persisted; pass --redis to install into a node)")
		return
	}
	raw, err := json.Marshal(stealthKeyFile{SpendingPrivateKey: spendHex, ViewingPrivateKey: viewHex})
	if err != nil {
		fatalf("encode keys: %v", err)
	}
	if err := st.Set(ctx, stealthKeysKey, string(raw)); err != nil {
		fatalf("persist keys: %v", err)
	}
	fmt.Println("\npersisted ✓ — payd will use this pair on next start")
}

func show(ctx context.Context, st store.Store) {
	raw, err := st.Get(ctx, stealthKeysKey)
	if errors.Is(err, store.ErrNotFound) {
		fatalf("node holds no key pair; run generate first")
	}
	if err != nil {
		fatalf("load keys: %v", err)
	}
	var kf stealthKeyFile
	if err := json.Unmarshal([]byte(raw), &kf); err != nil {
		fatalf("corrupt key record: %v", err)
	}
	keys, err := stealth.KeyPairFromHex(kf.SpendingPrivateKey, kf.ViewingPrivateKey)
	if err != nil {
		fatalf("rebuild key pair: %v", err)
	}
	fmt.Printf("meta-address: %s\n", keys.MetaAddress)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
