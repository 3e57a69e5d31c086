package signatures_test

import (
	"context"
	"testing"

	"vaultline/internal/signatures"
)

func TestVerifyAcceptsDerivedProof(t *testing.T) {
	key := []byte("proof-key")
	v := signatures.HMACVerifier{Key: key}
	ctx := context.Background()
	proof := signatures.Proof(key, "sig-1", "op-1")
	ok, err := v.Verify(ctx, "sig-1", proof, "op-1")
	if err != nil || !ok {
		t.Fatalf("expected valid proof, ok=%t err=%v", ok, err)
	}
	// surrounding whitespace is tolerated
	ok, _ = v.Verify(ctx, "sig-1", "  "+proof+"\n", "op-1")
	if !ok {
		t.Fatalf("trimmed proof should verify")
	}
}

func TestVerifyRejectsMismatches(t *testing.T) {
	key := []byte("proof-key")
	v := signatures.HMACVerifier{Key: key}
	ctx := context.Background()
	proof := signatures.Proof(key, "sig-1", "op-1")
	for name, tc := range map[string]struct{ signer, proof, op string }{
		"wrong signer":    {"sig-2", proof, "op-1"},
		"wrong operation": {"sig-1", proof, "op-2"},
		"wrong key":       {"sig-1", signatures.Proof([]byte("other"), "sig-1", "op-1"), "op-1"},
		"garbage":         {"sig-1", "zzz", "op-1"},
	} {
		if ok, _ := v.Verify(ctx, tc.signer, tc.proof, tc.op); ok {
			t.Fatalf("%s: proof must not verify", name)
		}
	}
}

func TestHashProof(t *testing.T) {
	h := signatures.HashProof("abc")
	if h != signatures.HashProof(" abc ") {
		t.Fatalf("hash must trim whitespace")
	}
	if h == "abc" || len(h) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", h)
	}
}
