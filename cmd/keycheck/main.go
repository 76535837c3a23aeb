// keycheck is a small operator utility for inspecting signer key material
// ahead of deployment: given a mnemonic file, it prints the derived signer
// identity's public key in the forms the rest of the signer group needs
// (compressed hex for signer.group.public_keys, x-only for taproot), and,
// given a full set of group public keys, the resulting aggregate taproot
// signer script.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sbtc-signer/signer/internal/keys"
)

func main() {
	fs := flag.NewFlagSet("keycheck", flag.ExitOnError)
	mnemonicFile := fs.String("mnemonic-file", "", "Path to file containing the signer's BIP-39 mnemonic (required)")
	network := fs.String("network", "testnet", "Network: mainnet, testnet, or regtest")
	groupKeys := fs.String("group-keys", "", "Comma-separated compressed hex public keys of the full signer group (optional)")
	fs.Parse(os.Args[1:])

	if *mnemonicFile == "" {
		fmt.Fprintln(os.Stderr, "--mnemonic-file is required")
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*mnemonicFile, *network, *groupKeys); err != nil {
		fmt.Fprintf(os.Stderr, "keycheck: %v\n", err)
		os.Exit(1)
	}
}

func run(mnemonicFile, network, groupKeysCSV string) error {
	priv, err := keys.LoadIdentityFromMnemonicFile(mnemonicFile, network)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	pub, err := keys.FromPrivate(priv)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	fmt.Println("=== Signer identity ===")
	fmt.Printf("  compressed: %s\n", hex.EncodeToString(keys.SerializeCompressed(pub)))
	fmt.Printf("  x-only:     %s\n", hex.EncodeToString(keys.SerializeXOnly(pub)))

	if strings.TrimSpace(groupKeysCSV) == "" {
		return nil
	}

	pubs, err := parseGroupKeys(groupKeysCSV)
	if err != nil {
		return err
	}

	aggregate, err := keys.Combine(pubs)
	if err != nil {
		return fmt.Errorf("combine group keys: %w", err)
	}

	script, err := keys.SignersScriptPubKey(aggregate)
	if err != nil {
		return fmt.Errorf("derive signer script: %w", err)
	}

	fmt.Println("\n=== Signer group ===")
	fmt.Printf("  members:        %d\n", len(pubs))
	fmt.Printf("  aggregate x-only: %s\n", hex.EncodeToString(keys.SerializeXOnly(aggregate)))
	fmt.Printf("  script pubkey:    %s\n", hex.EncodeToString(script))
	return nil
}

func parseGroupKeys(csv string) ([]*keys.PublicKey, error) {
	parts := strings.Split(csv, ",")
	pubs := make([]*keys.PublicKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("decode group key %q: %w", p, err)
		}
		pub, err := keys.ParsePublicKeyCompressed(raw)
		if err != nil {
			return nil, fmt.Errorf("parse group key %q: %w", p, err)
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) == 0 {
		return nil, fmt.Errorf("no valid group keys provided")
	}
	return pubs, nil
}
