package stealth

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

// ── Derivation round-trip ────────────────────────────────────────────────────

// The sender-derived address must be controlled by the recipient-derived
// private key, and the recipient's independent recomputation must agree.
func TestDerivationRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		kp := newKeyPair(t)

		sa, err := GenerateStealthAddress(kp.MetaAddress)
		if err != nil {
			t.Fatalf("GenerateStealthAddress: %v", err)
		}

		priv, err := ComputeStealthPrivateKey(kp, sa.EphemeralPublicKey)
		if err != nil {
			t.Fatalf("ComputeStealthPrivateKey: %v", err)
		}
		if got := crypto.PubkeyToAddress(priv.PublicKey); got != sa.Address {
			t.Fatalf("stealth key controls %s, announced %s", got.Hex(), sa.Address.Hex())
		}

		derived, err := DeriveStealthAddress(kp, sa.EphemeralPublicKey)
		if err != nil {
			t.Fatalf("DeriveStealthAddress: %v", err)
		}
		if derived != sa.Address {
			t.Fatalf("DeriveStealthAddress got %s want %s", derived.Hex(), sa.Address.Hex())
		}
	}
}

// ── View tags ────────────────────────────────────────────────────────────────

func TestViewTag_NoFalseNegatives(t *testing.T) {
	for i := 0; i < 32; i++ {
		kp := newKeyPair(t)
		sa, err := GenerateStealthAddress(kp.MetaAddress)
		if err != nil {
			t.Fatal(err)
		}
		if !CheckViewTag(kp, sa.EphemeralPublicKey, sa.ViewTag) {
			t.Fatalf("view tag %q rejected for its own derivation", sa.ViewTag)
		}
	}
}

func TestViewTag_RejectsWrongTag(t *testing.T) {
	kp := newKeyPair(t)
	sa, err := GenerateStealthAddress(kp.MetaAddress)
	if err != nil {
		t.Fatal(err)
	}
	wrong := "00"
	if wrong == sa.ViewTag {
		wrong = "01"
	}
	if CheckViewTag(kp, sa.EphemeralPublicKey, wrong) {
		t.Fatal("mismatched view tag accepted")
	}
}

func TestViewTag_GarbageEphemeralKey(t *testing.T) {
	kp := newKeyPair(t)
	if CheckViewTag(kp, []byte{0x01, 0x02}, "ab") {
		t.Fatal("garbage ephemeral key accepted")
	}
}

// ── Uniqueness ───────────────────────────────────────────────────────────────

func TestStealthAddress_UniquePerCall(t *testing.T) {
	kp := newKeyPair(t)
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		sa, err := GenerateStealthAddress(kp.MetaAddress)
		if err != nil {
			t.Fatal(err)
		}
		if seen[sa.Address.Hex()] {
			t.Fatalf("address %s repeated", sa.Address.Hex())
		}
		seen[sa.Address.Hex()] = true
	}
}

func TestGenerateKeyPair_IndependentKeys(t *testing.T) {
	kp := newKeyPair(t)
	if kp.SpendingPrivateKey.D.Cmp(kp.ViewingPrivateKey.D) == 0 {
		t.Fatal("spending and viewing keys are identical")
	}
	kp2 := newKeyPair(t)
	if kp.MetaAddress == kp2.MetaAddress {
		t.Fatal("two generated key pairs share a meta-address")
	}
}

// ── Meta-address format ──────────────────────────────────────────────────────

func TestMetaAddress_RoundTrip(t *testing.T) {
	kp := newKeyPair(t)
	spend, view, err := ParseMetaAddress(kp.MetaAddress)
	if err != nil {
		t.Fatalf("ParseMetaAddress: %v", err)
	}
	if string(crypto.CompressPubkey(spend)) != string(kp.SpendingPublicKey) {
		t.Error("spending key does not round-trip")
	}
	if string(crypto.CompressPubkey(view)) != string(kp.ViewingPublicKey) {
		t.Error("viewing key does not round-trip")
	}
}

func TestIsStealthMetaAddress(t *testing.T) {
	kp := newKeyPair(t)
	meta := kp.MetaAddress

	if !IsStealthMetaAddress(meta) {
		t.Fatal("valid meta-address rejected")
	}

	bad := []string{
		"",
		"0x1111111111111111111111111111111111111111", // plain address
		meta[:len(meta)-1],                           // truncated
		meta + "0",                                   // extended
		"sx" + meta[2:],                              // wrong prefix
		strings.Replace(meta, "st:eth:", "st:btc:", 1),
		MetaAddressPrefix + strings.Repeat("zz", 66), // non-hex body
	}
	for _, s := range bad {
		if IsStealthMetaAddress(s) {
			t.Errorf("accepted malformed meta-address %q", s)
		}
	}
}
