package signatures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier validates a signer's proof for one operation. The pipeline
// delegates proof validation here and never interprets proofs itself.
type Verifier interface {
	Verify(ctx context.Context, signerID, proof, operationID string) (bool, error)
}

// HMACVerifier accepts proofs of the form hex(HMAC-SHA256(key, signer|op)).
type HMACVerifier struct {
	Key []byte
}

func (v HMACVerifier) Verify(ctx context.Context, signerID, proof, operationID string) (bool, error) {
	expected := Proof(v.Key, signerID, operationID)
	return hmac.Equal([]byte(strings.TrimSpace(proof)), []byte(expected)), nil
}

// Proof computes the proof a signer presents for an operation.
func Proof(key []byte, signerID, operationID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signerID + "|" + operationID))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashProof returns the digest stored alongside a signature record; raw
// proofs are never persisted.
func HashProof(proof string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(proof)))
	return hex.EncodeToString(sum[:])
}
