package stealth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ViewTagLen is the byte width of a view tag (hex-encoded it is two chars).
// One byte filters ~255/256 of foreign announcements while keeping the
// false-positive full derivations cheap.
const ViewTagLen = 1

// StealthAddress is the sender-side derivation result for one payment. The
// ephemeral public key is published so the recipient can re-derive the same
// address; the view tag lets scanners reject foreign announcements cheaply.
type StealthAddress struct {
	Address            common.Address
	EphemeralPublicKey []byte // compressed, 33 bytes
	ViewTag            string // hex
}

// GenerateStealthAddress derives a fresh one-time address for the recipient
// identified by metaAddress. Every call draws a new ephemeral key, so two
// payments to the same recipient never share an address.
func GenerateStealthAddress(metaAddress string) (*StealthAddress, error) {
	spendPub, viewPub, err := ParseMetaAddress(metaAddress)
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	secret := sharedSecret(eph, viewPub)
	addr, err := oneTimeAddress(spendPub, secret)
	if err != nil {
		return nil, err
	}
	return &StealthAddress{
		Address:            addr,
		EphemeralPublicKey: crypto.CompressPubkey(&eph.PublicKey),
		ViewTag:            hex.EncodeToString(secret[:ViewTagLen]),
	}, nil
}

// ComputeStealthPrivateKey is the recipient-side inverse: it recovers the
// private key controlling the address GenerateStealthAddress produced for
// this key pair and ephemeral key. The result is used once to sign the claim
// transfer and must never be persisted.
func ComputeStealthPrivateKey(kp *KeyPair, ephemeralPub []byte) (*ecdsa.PrivateKey, error) {
	ephPub, err := crypto.DecompressPubkey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("decompress ephemeral key: %w", err)
	}
	secret := sharedSecret(kp.ViewingPrivateKey, ephPub)
	h, err := tweakScalar(secret)
	if err != nil {
		return nil, err
	}
	n := crypto.S256().Params().N
	d := new(big.Int).Add(kp.SpendingPrivateKey.D, h)
	d.Mod(d, n)
	if d.Sign() == 0 {
		return nil, errors.New("derived stealth key is zero")
	}
	buf := make([]byte, 32)
	d.FillBytes(buf)
	priv, err := crypto.ToECDSA(buf)
	if err != nil {
		return nil, fmt.Errorf("derive stealth key: %w", err)
	}
	return priv, nil
}

// DeriveStealthAddress recomputes, recipient-side, the address a sender would
// have produced with this ephemeral key. Used to confirm view-tag hits before
// trusting an announcement as ours.
func DeriveStealthAddress(kp *KeyPair, ephemeralPub []byte) (common.Address, error) {
	ephPub, err := crypto.DecompressPubkey(ephemeralPub)
	if err != nil {
		return common.Address{}, fmt.Errorf("decompress ephemeral key: %w", err)
	}
	spendPub, err := crypto.DecompressPubkey(kp.SpendingPublicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("decompress spending key: %w", err)
	}
	secret := sharedSecret(kp.ViewingPrivateKey, ephPub)
	return oneTimeAddress(spendPub, secret)
}

// CheckViewTag reports whether the announced tag matches the shared secret's
// prefix. False positives are possible (tag is one byte); false negatives are
// not. A hit still requires DeriveStealthAddress confirmation.
func CheckViewTag(kp *KeyPair, ephemeralPub []byte, viewTag string) bool {
	ephPub, err := crypto.DecompressPubkey(ephemeralPub)
	if err != nil {
		return false
	}
	secret := sharedSecret(kp.ViewingPrivateKey, ephPub)
	return hex.EncodeToString(secret[:ViewTagLen]) == viewTag
}

// sharedSecret hashes the compressed ECDH point priv·pub. Sender (ephemeral
// private, viewing public) and recipient (viewing private, ephemeral public)
// compute the same point, so both sides agree on the secret.
func sharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) []byte {
	curve := crypto.S256()
	x, y := curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	point := ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	return crypto.Keccak256(crypto.CompressPubkey(&point))
}

// oneTimeAddress derives the address of spendPub + h·G where h is the tweak
// scalar from the shared secret. Only the holder of the spending private key
// can produce the matching private key spendPriv + h.
func oneTimeAddress(spendPub *ecdsa.PublicKey, secret []byte) (common.Address, error) {
	h, err := tweakScalar(secret)
	if err != nil {
		return common.Address{}, err
	}
	curve := crypto.S256()
	tx, ty := curve.ScalarBaseMult(h.Bytes())
	px, py := curve.Add(spendPub.X, spendPub.Y, tx, ty)
	stealthPub := ecdsa.PublicKey{Curve: curve, X: px, Y: py}
	return crypto.PubkeyToAddress(stealthPub), nil
}

func tweakScalar(secret []byte) (*big.Int, error) {
	h := new(big.Int).SetBytes(secret)
	h.Mod(h, crypto.S256().Params().N)
	if h.Sign() == 0 {
		return nil, errors.New("degenerate shared secret")
	}
	return h, nil
}
