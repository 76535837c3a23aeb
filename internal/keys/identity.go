package keys

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/sbtc-signer/signer/internal/apperr"
)

// Fixed BIP-84 derivation path for the signer's long-term identity key:
// m/84'/coin'/0'/0/0. Unlike the teacher's per-address HD tree, the signer
// needs exactly one stable identity key, so the address index is pinned
// to 0 rather than threaded through as a parameter.
const (
	bip84Purpose       = 84
	btcCoinTypeMainnet = 0
	btcCoinTypeTestnet = 1
)

// LoadIdentityFromMnemonicFile reads a 24-word BIP-39 mnemonic from path,
// derives the BIP-32 seed, and walks m/84'/coin'/0'/0/0 to the signer's
// long-term ECDSA identity key. This mirrors how the teacher repo loads its
// Bitcoin wallet key from a mnemonic file (spec.md §4.A), generalized to a
// single fixed identity rather than a per-deposit address index.
func LoadIdentityFromMnemonicFile(path string, network string) (*PrivateKey, error) {
	mnemonic, err := readMnemonicFromFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "mnemonic to seed", err)
	}

	net := networkParams(network)
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "derive master key", err)
	}

	coinType := uint32(btcCoinTypeMainnet)
	if net == &chaincfg.TestNet3Params || net == &chaincfg.RegressionNetParams {
		coinType = uint32(btcCoinTypeTestnet)
	}

	child := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + bip84Purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	} {
		child, err = child.Derive(idx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidKey, "derive identity key", err)
		}
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "extract identity private key", err)
	}

	slog.Info("signer identity key derived from mnemonic", "network", network)
	return priv, nil
}

func readMnemonicFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidKey, fmt.Sprintf("read mnemonic file %q", path), err)
	}

	mnemonic := strings.TrimSpace(string(data))
	if mnemonic == "" {
		return "", apperr.Wrap(apperr.KindInvalidKey, fmt.Sprintf("mnemonic file %q is empty", path), nil)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", apperr.Wrap(apperr.KindInvalidKey, fmt.Sprintf("mnemonic file %q contains an invalid mnemonic", path), nil)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		return "", apperr.Wrap(apperr.KindInvalidKey, fmt.Sprintf("expected 24-word mnemonic in %q, got %d words", path, len(words)), nil)
	}
	return mnemonic, nil
}

func networkParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}
