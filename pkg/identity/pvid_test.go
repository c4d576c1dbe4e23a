package identity

import (
	"strings"
	"testing"
)

func TestGeneratePVIDDeterministic(t *testing.T) {
	a := GeneratePVID("sha256:abc", map[string]string{"phash": "f00d"}, map[string]interface{}{"Region": "US"})
	b := GeneratePVID("sha256:abc", map[string]string{"phash": "f00d"}, map[string]interface{}{"Region": "US"})
	if a != b {
		t.Fatalf("expected deterministic PVID, got %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "PVID-") {
		t.Fatalf("expected PVID- prefix, got %q", a)
	}
	if len(a) != len("PVID-")+16 {
		t.Fatalf("expected 16 hex chars after prefix, got %q", a)
	}
}

func TestGeneratePVIDFingerprintOrderIndependent(t *testing.T) {
	fp1 := map[string]string{"phash": "aaa", "dhash": "bbb"}
	fp2 := map[string]string{"dhash": "bbb", "phash": "aaa"}
	if GeneratePVID("ref", fp1, nil) != GeneratePVID("ref", fp2, nil) {
		t.Fatal("expected map iteration order not to affect PVID")
	}
}

func TestGeneratePVIDDiffersOnContent(t *testing.T) {
	a := GeneratePVID("ref-a", nil, nil)
	b := GeneratePVID("ref-b", nil, nil)
	if a == b {
		t.Fatal("expected different content refs to produce different PVIDs")
	}
}

func TestGeneratePVIDEmptyFieldsOmitted(t *testing.T) {
	a := GeneratePVID("", nil, nil)
	b := GeneratePVID("", map[string]string{}, map[string]interface{}{})
	if a != b {
		t.Fatal("expected nil and empty maps to produce identical PVIDs")
	}
}

func TestGeneratePVIDMetadataCaseInsensitive(t *testing.T) {
	a := GeneratePVID("ref", nil, map[string]interface{}{"Country": "US"})
	b := GeneratePVID("ref", nil, map[string]interface{}{"Country": "us"})
	if a != b {
		t.Fatal("expected metadata normalization to lowercase values")
	}
}
