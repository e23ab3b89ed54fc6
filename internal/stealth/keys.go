// Package stealth implements the key and address math for one-time payment
// addresses: long-lived spending/viewing key pairs, per-payment address
// derivation, and the recipient-side inverse. Everything here is pure; no
// state, no I/O.
package stealth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// MetaAddressPrefix namespaces meta-addresses to the network.
const MetaAddressPrefix = "st:eth:0x"

// compressedKeyHexLen is the hex length of one compressed secp256k1 public key.
const compressedKeyHexLen = 66

// metaAddressLen is the exact length of a valid meta-address: the prefix plus
// two concatenated compressed public keys.
const metaAddressLen = len(MetaAddressPrefix) + 2*compressedKeyHexLen

// ErrInvalidMetaAddress is returned for any string that is not a well-formed
// meta-address. Callers route such recipients to direct transfer instead.
var ErrInvalidMetaAddress = errors.New("invalid stealth meta-address")

// KeyPair is a user's long-lived stealth key material. It is generated once
// and never mutated; losing it makes unclaimed payments unrecoverable.
type KeyPair struct {
	SpendingPrivateKey *ecdsa.PrivateKey
	ViewingPrivateKey  *ecdsa.PrivateKey
	SpendingPublicKey  []byte // compressed, 33 bytes
	ViewingPublicKey   []byte // compressed, 33 bytes
	MetaAddress        string
}

// GenerateKeyPair draws two independent random private keys and encodes their
// public halves into the meta-address.
func GenerateKeyPair() (*KeyPair, error) {
	spend, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate spending key: %w", err)
	}
	view, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate viewing key: %w", err)
	}
	spendPub := crypto.CompressPubkey(&spend.PublicKey)
	viewPub := crypto.CompressPubkey(&view.PublicKey)
	return &KeyPair{
		SpendingPrivateKey: spend,
		ViewingPrivateKey:  view,
		SpendingPublicKey:  spendPub,
		ViewingPublicKey:   viewPub,
		MetaAddress:        EncodeMetaAddress(spendPub, viewPub),
	}, nil
}

// KeyPairFromHex rebuilds a key pair from the two hex-encoded private keys,
// the form they are persisted and exported in.
func KeyPairFromHex(spendHex, viewHex string) (*KeyPair, error) {
	spend, err := crypto.HexToECDSA(spendHex)
	if err != nil {
		return nil, fmt.Errorf("parse spending key: %w", err)
	}
	view, err := crypto.HexToECDSA(viewHex)
	if err != nil {
		return nil, fmt.Errorf("parse viewing key: %w", err)
	}
	spendPub := crypto.CompressPubkey(&spend.PublicKey)
	viewPub := crypto.CompressPubkey(&view.PublicKey)
	return &KeyPair{
		SpendingPrivateKey: spend,
		ViewingPrivateKey:  view,
		SpendingPublicKey:  spendPub,
		ViewingPublicKey:   viewPub,
		MetaAddress:        EncodeMetaAddress(spendPub, viewPub),
	}, nil
}

// ExportHex returns the hex encodings of the two private keys.
func (kp *KeyPair) ExportHex() (spendHex, viewHex string) {
	return hex.EncodeToString(crypto.FromECDSA(kp.SpendingPrivateKey)),
		hex.EncodeToString(crypto.FromECDSA(kp.ViewingPrivateKey))
}

// EncodeMetaAddress concatenates the two compressed public keys under the
// network prefix.
func EncodeMetaAddress(spendingPub, viewingPub []byte) string {
	return MetaAddressPrefix + hex.EncodeToString(spendingPub) + hex.EncodeToString(viewingPub)
}

// ParseMetaAddress decodes a meta-address into its spending and viewing
// public keys. Any prefix mismatch, length deviation, or non-curve point
// fails with ErrInvalidMetaAddress.
func ParseMetaAddress(meta string) (spendingPub, viewingPub *ecdsa.PublicKey, err error) {
	if len(meta) != metaAddressLen || meta[:len(MetaAddressPrefix)] != MetaAddressPrefix {
		return nil, nil, ErrInvalidMetaAddress
	}
	body := meta[len(MetaAddressPrefix):]
	spendRaw, err := hex.DecodeString(body[:compressedKeyHexLen])
	if err != nil {
		return nil, nil, ErrInvalidMetaAddress
	}
	viewRaw, err := hex.DecodeString(body[compressedKeyHexLen:])
	if err != nil {
		return nil, nil, ErrInvalidMetaAddress
	}
	spendingPub, err = crypto.DecompressPubkey(spendRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad spending key", ErrInvalidMetaAddress)
	}
	viewingPub, err = crypto.DecompressPubkey(viewRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad viewing key", ErrInvalidMetaAddress)
	}
	return spendingPub, viewingPub, nil
}

// IsStealthMetaAddress reports whether s parses as a meta-address.
func IsStealthMetaAddress(s string) bool {
	_, _, err := ParseMetaAddress(s)
	return err == nil
}
