// Command veilctl-verify walks a ledger file offline and reports whether
// its hash chain and signatures are intact, per spec §4.7. Exit code is 0
// iff the chain has zero integrity errors.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/ocx/veil/internal/ledger"
)

func main() {
	ledgerPath := flag.String("ledger", "veil.ledger.jsonl", "path to the ledger file")
	pubKeyB64 := flag.String("public-key", "", "base64-encoded Ed25519 public key logged at engine startup (optional; omitting it runs chain-only verification)")
	flag.Parse()

	var pub ed25519.PublicKey
	if *pubKeyB64 != "" {
		rawKey, err := base64.StdEncoding.DecodeString(*pubKeyB64)
		if err != nil || len(rawKey) != ed25519.PublicKeySize {
			fmt.Fprintln(os.Stderr, "veilctl-verify: invalid -public-key")
			os.Exit(2)
		}
		pub = ed25519.PublicKey(rawKey)
	} else {
		fmt.Fprintln(os.Stderr, "veilctl-verify: no -public-key given, verifying chain continuity only (no signature check)")
	}

	result, err := ledger.Verify(*ledgerPath, pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "veilctl-verify: %v\n", err)
		os.Exit(2)
	}

	if result.OK() {
		fmt.Printf("OK: %d entries verified, chain intact.\n", result.EntriesChecked)
		os.Exit(0)
	}

	fmt.Printf("BROKEN CHAIN @ Line %d: %s\n", result.BrokenAtLine, result.BrokenReason)
	fmt.Printf("%d entries verified before the break.\n", result.EntriesChecked)
	os.Exit(1)
}
