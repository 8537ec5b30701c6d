package guard

import (
	"strings"
	"testing"
)

func TestSigner_Deterministic(t *testing.T) {
	signer := NewSigner([]byte("test-key"))
	gc := Context{
		State: "RUNNING",
		Event: "complete",
		Metadata: map[string]string{
			"task": "fetch",
			"run":  "exec-001",
		},
	}

	sig1 := signer.Sign(gc)
	sig2 := signer.Sign(gc)
	if sig1 != sig2 {
		t.Errorf("signatures differ for identical context:\n%s\n%s", sig1, sig2)
	}
	if !strings.HasPrefix(sig1, "hmac-sha256:") {
		t.Errorf("missing format prefix: %s", sig1)
	}
}

func TestSigner_MetadataChangesSignature(t *testing.T) {
	// Same state and event, different metadata: signatures must differ.
	// Signing state and event alone is the documented collision bug.
	signer := NewSigner([]byte("test-key"))

	a := Context{
		State:    "RUNNING",
		Event:    "complete",
		Metadata: map[string]string{"task": "fetch"},
	}
	b := Context{
		State:    "RUNNING",
		Event:    "complete",
		Metadata: map[string]string{"task": "transform"},
	}

	if signer.Sign(a) == signer.Sign(b) {
		t.Error("contexts with different metadata produced the same signature")
	}
}

func TestSigner_EmptyVsAbsentMetadata(t *testing.T) {
	signer := NewSigner([]byte("test-key"))

	withEmpty := Context{State: "S", Event: "e", Metadata: map[string]string{"k": ""}}
	without := Context{State: "S", Event: "e", Metadata: map[string]string{}}

	if signer.Sign(withEmpty) == signer.Sign(without) {
		t.Error("empty-valued key and absent key produced the same signature")
	}
}

func TestSigner_FieldBoundariesAreUnambiguous(t *testing.T) {
	signer := NewSigner([]byte("test-key"))

	cases := [][2]Context{
		{
			{State: "ab", Event: "c"},
			{State: "a", Event: "bc"},
		},
		{
			{State: "S", Event: "e", Metadata: map[string]string{"ab": "c"}},
			{State: "S", Event: "e", Metadata: map[string]string{"a": "bc"}},
		},
		{
			{State: "S", Event: "e", Metadata: map[string]string{"a": "b", "c": "d"}},
			{State: "S", Event: "e", Metadata: map[string]string{"a": "b,c=d"}},
		},
	}

	for i, pair := range cases {
		if signer.Sign(pair[0]) == signer.Sign(pair[1]) {
			t.Errorf("case %d: distinct contexts collided", i)
		}
	}
}

func TestSigner_KeyChangesSignature(t *testing.T) {
	gc := Context{State: "S", Event: "e"}

	if NewSigner([]byte("key-a")).Sign(gc) == NewSigner([]byte("key-b")).Sign(gc) {
		t.Error("different keys produced the same signature")
	}
}

func TestSigner_Verify(t *testing.T) {
	signer := NewSigner([]byte("test-key"))
	gc := Context{State: "RUNNING", Event: "cancel", Metadata: map[string]string{"who": "operator"}}

	sig := signer.Sign(gc)
	if err := signer.Verify(gc, sig); err != nil {
		t.Errorf("verify of own signature failed: %v", err)
	}

	tampered := gc
	tampered.Metadata = map[string]string{"who": "attacker"}
	if err := signer.Verify(tampered, sig); err != ErrSignatureMismatch {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}
