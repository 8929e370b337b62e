package utils

import (
	"strings"
	"testing"
)

func TestGenerateActivationCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateActivationCode()
		if err != nil {
			t.Fatalf("GenerateActivationCode: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code %q length = %d, want %d", code, len(code), CodeLength)
		}
		for _, c := range code {
			if !strings.ContainsRune(CodeAlphabet, c) {
				t.Fatalf("code %q contains %q, outside alphabet", code, c)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct codes out of 100", len(seen))
	}
}

func TestCodeAlphabetExcludesAmbiguousGlyphs(t *testing.T) {
	for _, c := range "IO01" {
		if strings.ContainsRune(CodeAlphabet, c) {
			t.Errorf("alphabet contains ambiguous glyph %q", c)
		}
	}
	if len(CodeAlphabet) != 32 {
		t.Errorf("alphabet size = %d, want 32", len(CodeAlphabet))
	}
}

func TestHashCodeNormalizes(t *testing.T) {
	if HashCode("abcd2345") != HashCode("  ABCD2345 ") {
		t.Error("hash differs across case and whitespace variants")
	}
	if HashCode("ABCD2345") == HashCode("ABCD2346") {
		t.Error("distinct codes hash equal")
	}
}

func TestDeviceSecretRoundTrip(t *testing.T) {
	plaintext, hash, err := GenerateDeviceSecret(3)
	if err != nil {
		t.Fatalf("GenerateDeviceSecret: %v", err)
	}

	version, secret, ok := ParseDeviceSecret(plaintext)
	if !ok {
		t.Fatalf("generated secret %q does not parse", plaintext)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if !VerifyDeviceSecret(hash, secret) {
		t.Error("generated secret does not verify against its own hash")
	}
	if VerifyDeviceSecret(hash, secret+"x") {
		t.Error("altered secret verified")
	}
}

func TestParseDeviceSecretRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"v",
		"v.",
		"v1.",
		"v.abc",
		"v0.abc",
		"v-1.abc",
		"vx.abc",
		"1.abc",
		"deadbeef",
	}
	for _, presented := range cases {
		if _, _, ok := ParseDeviceSecret(presented); ok {
			t.Errorf("ParseDeviceSecret(%q) accepted, want rejection", presented)
		}
	}
}
