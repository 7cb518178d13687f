package identity

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Signer produces protocol signatures for this instance.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner builds a signer over the instance's private key.
func NewSigner(kp Keypair) *Signer {
	return &Signer{key: kp.Private}
}

// Sign returns the base64 signature over payload ‖ nonce ‖ transfer id.
func (s *Signer) Sign(payload []byte, nonce, transferID string) string {
	sig := ed25519.Sign(s.key, signingInput(payload, nonce, transferID))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature against the sender's public key. A false
// result is a hard reject: the message is discarded, never retried.
func Verify(pub ed25519.PublicKey, payload []byte, nonce, transferID, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, signingInput(payload, nonce, transferID), sig)
}

// signingInput concatenates the signed fields with newline separators so no
// field can bleed into its neighbor.
func signingInput(payload []byte, nonce, transferID string) []byte {
	input := make([]byte, 0, len(payload)+len(nonce)+len(transferID)+2)
	input = append(input, payload...)
	input = append(input, '\n')
	input = append(input, nonce...)
	input = append(input, '\n')
	input = append(input, transferID...)
	return input
}
