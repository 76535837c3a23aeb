// Package keys implements the KeyMaterial component (spec.md §4.A): a
// unified public/private key abstraction over secp256k1, the BIP-341
// key-path-only taproot tweak that derives the signers' on-chain output
// script, and a deterministic point-addition combine used to fold the
// threshold-aggregate public key the coordinator receives out of band.
//
// The real FROST/WSTS distributed-signing ceremony is out of scope; this
// package only carries the math a single signer needs locally: parsing and
// serializing keys, tweaking the aggregate into its taproot output key, and
// low-S ECDSA signing for the registry/peer-bus authentication path.
package keys

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/sbtc-signer/signer/internal/apperr"
)

// PrivateKey and PublicKey alias the underlying curve types so callers don't
// need to import btcec directly for ordinary key handling.
type PrivateKey = btcec.PrivateKey
type PublicKey = btcec.PublicKey

// ParsePrivateKey decodes a 32-byte scalar, rejecting zero and any value
// outside the curve order (spec.md §4.A "rejects ... zero scalar as
// invalid").
func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	if len(data) != 32 {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "private key must be 32 bytes", nil)
	}
	if isZeroScalar(data) {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "zero scalar is not a valid private key", nil)
	}
	priv, pub := btcec.PrivKeyFromBytes(data)
	if err := rejectIdentity(pub); err != nil {
		return nil, err
	}
	return priv, nil
}

func isZeroScalar(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// FromPrivate derives the public key for priv, rejecting the point at
// infinity (spec.md §4.A "rejects the identity ... as invalid").
func FromPrivate(priv *PrivateKey) (*PublicKey, error) {
	pub := priv.PubKey()
	if err := rejectIdentity(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// ParsePublicKeyCompressed parses the 33-byte compressed form, the canonical
// database representation (spec.md §4.A).
func ParsePublicKeyCompressed(data []byte) (*PublicKey, error) {
	if len(data) != 33 {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "compressed public key must be 33 bytes", nil)
	}
	pub, err := btcec.ParsePubKey(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "parse compressed public key", err)
	}
	if err := rejectIdentity(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// SerializeCompressed returns the 33-byte database form.
func SerializeCompressed(pub *PublicKey) []byte {
	return pub.SerializeCompressed()
}

// ParseXOnly parses the 32-byte x-only serialization, the canonical on-chain
// form (spec.md §4.A).
func ParseXOnly(data []byte) (*PublicKey, error) {
	if len(data) != 32 {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "x-only public key must be 32 bytes", nil)
	}
	pub, err := schnorr.ParsePubKey(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "parse x-only public key", err)
	}
	if err := rejectIdentity(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// SerializeXOnly returns the 32-byte on-chain form.
func SerializeXOnly(pub *PublicKey) []byte {
	return schnorr.SerializePubKey(pub)
}

func rejectIdentity(pub *PublicKey) error {
	if pub.X().IsZero() && pub.Y().IsZero() {
		return apperr.Wrap(apperr.KindInvalidKey, "point at infinity is not a valid public key", nil)
	}
	return nil
}

// TweakedSignersPubKey applies the BIP-341 key-path-only taproot tweak to
// the threshold-aggregate public key, producing the output key every sweep
// and deposit script is built against (spec.md §4.A).
func TweakedSignersPubKey(pub *PublicKey) (*PublicKey, error) {
	if err := rejectIdentity(pub); err != nil {
		return nil, err
	}
	tweaked := txscript.ComputeTaprootKeyNoScript(pub)
	if err := rejectIdentity(tweaked); err != nil {
		return nil, err
	}
	return tweaked, nil
}

// SignersScriptPubKey derives the P2TR output script (key-path only, no
// script tree) the signer set controls, tweaking pub internally (spec.md
// §4.A).
func SignersScriptPubKey(pub *PublicKey) ([]byte, error) {
	tweaked, err := TweakedSignersPubKey(pub)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToTaprootScript(tweaked)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "build taproot script", err)
	}
	return script, nil
}

// SignECDSA signs a 32-byte message digest with a low-S normalized
// signature (spec.md §4.A).
func SignECDSA(priv *PrivateKey, digest [32]byte) (*ecdsa.Signature, error) {
	return ecdsa.Sign(priv, digest[:]), nil
}

// Combine folds a set of public keys into a single aggregate by summing
// their curve points, sorted first by compressed serialization so the
// result is independent of input order (spec.md §4.A "deterministic
// MuSig-style point addition"). This is not a real MuSig key-aggregation
// (no coefficient hardening against rogue-key attacks) because the
// threshold-aggregate key the coordinator consumes is already the product
// of an out-of-band FROST/WSTS ceremony; combine only needs to be
// deterministic and order-independent for bookkeeping and tests.
func Combine(pubs []*PublicKey) (*PublicKey, error) {
	if len(pubs) == 0 {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "combine requires at least one public key", nil)
	}

	sorted := make([]*PublicKey, len(pubs))
	copy(sorted, pubs)
	sortPubKeys(sorted)

	var acc btcec.JacobianPoint
	acc.X.SetInt(0)
	acc.Y.SetInt(0)
	acc.Z.SetInt(0)

	for _, pub := range sorted {
		var p btcec.JacobianPoint
		pub.AsJacobian(&p)
		var sum btcec.JacobianPoint
		btcec.AddNonConst(&acc, &p, &sum)
		acc = sum
	}
	acc.ToAffine()

	if acc.Z.IsZero() {
		return nil, apperr.Wrap(apperr.KindInvalidKey, "combined public keys sum to the point at infinity", nil)
	}

	combined := btcec.NewPublicKey(&acc.X, &acc.Y)
	if err := rejectIdentity(combined); err != nil {
		return nil, err
	}
	return combined, nil
}

func sortPubKeys(pubs []*PublicKey) {
	for i := 1; i < len(pubs); i++ {
		for j := i; j > 0; j-- {
			a, b := pubs[j-1].SerializeCompressed(), pubs[j].SerializeCompressed()
			if compareBytes(a, b) <= 0 {
				break
			}
			pubs[j-1], pubs[j] = pubs[j], pubs[j-1]
		}
	}
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
