package receipt

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/auditchain/auditchain/internal/ledger"
)

// WitnessKey configures one witness model. An empty PrivateKey means a
// fresh key is generated at startup.
type WitnessKey struct {
	Name       string
	PrivateKey string
}

type witness struct {
	name string
	key  *secp256k1.PrivateKey
}

// Witnesses is a fixed panel of secp256k1 signers.
type Witnesses struct {
	panel []witness
}

// NewWitnesses builds the panel from configured keys.
func NewWitnesses(keys []WitnessKey) (*Witnesses, error) {
	w := &Witnesses{}
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Name == "" {
			return nil, fmt.Errorf("witness name is required")
		}
		if seen[k.Name] {
			return nil, fmt.Errorf("duplicate witness %q", k.Name)
		}
		seen[k.Name] = true

		var priv *secp256k1.PrivateKey
		if k.PrivateKey == "" {
			var err error
			priv, err = secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, fmt.Errorf("generating key for witness %s: %w", k.Name, err)
			}
		} else {
			raw, err := hex.DecodeString(k.PrivateKey)
			if err != nil || len(raw) != secp256k1.PrivKeyBytesLen {
				return nil, fmt.Errorf("witness %s: private key must be %d hex bytes", k.Name, secp256k1.PrivKeyBytesLen)
			}
			priv = secp256k1.PrivKeyFromBytes(raw)
		}
		w.panel = append(w.panel, witness{name: k.Name, key: priv})
	}
	return w, nil
}

// Len returns the panel size.
func (w *Witnesses) Len() int {
	return len(w.panel)
}

// Sign has every witness sign the receipt digest. Each signature is
// checked before it is returned and marked verified accordingly.
func (w *Witnesses) Sign(digest string) ([]ledger.WitnessSignature, error) {
	hash, err := digestBytes(digest)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]ledger.WitnessSignature, 0, len(w.panel))
	for _, wt := range w.panel {
		sig := ecdsa.Sign(wt.key, hash)
		pub := wt.key.PubKey()
		out = append(out, ledger.WitnessSignature{
			ReceiptDigest: digest,
			ModelName:     wt.name,
			PublicKey:     hex.EncodeToString(pub.SerializeCompressed()),
			Signature:     hex.EncodeToString(sig.Serialize()),
			Verified:      sig.Verify(hash, pub),
			CreatedAt:     now,
		})
	}
	return out, nil
}

// VerifySignature re-checks a stored witness signature against its digest.
func VerifySignature(w ledger.WitnessSignature) error {
	hash, err := digestBytes(w.ReceiptDigest)
	if err != nil {
		return err
	}
	pubRaw, err := hex.DecodeString(w.PublicKey)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	sigRaw, err := hex.DecodeString(w.Signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	if !sig.Verify(hash, pub) {
		return fmt.Errorf("signature by %s does not match digest", w.ModelName)
	}
	return nil
}

func digestBytes(digest string) ([]byte, error) {
	if !ledger.IsHash(digest) {
		return nil, fmt.Errorf("invalid receipt digest %q", digest)
	}
	return hex.DecodeString(digest)
}
