package sealer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := New(bytes.Repeat([]byte{7}, KeySize))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)

	for _, plaintext := range []string{"vk_abc123", "", "ünïcødé secret"} {
		ciphertext, nonce, err := s.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if len(nonce) != 12 {
			t.Errorf("nonce length = %d, want 12", len(nonce))
		}
		if plaintext != "" && bytes.Contains(ciphertext, []byte(plaintext)) {
			t.Error("ciphertext leaks plaintext")
		}

		got, err := s.Open(ciphertext, nonce)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if got != plaintext {
			t.Errorf("Open = %q, want %q", got, plaintext)
		}
	}
}

func TestSealer_FreshNonce(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	c1, n1, _ := s.Seal("same")
	c2, n2, _ := s.Seal("same")

	if bytes.Equal(n1, n2) {
		t.Error("nonces should differ between seals")
	}
	if bytes.Equal(c1, c2) {
		t.Error("ciphertexts should differ between seals")
	}
}

func TestSealer_OpenFailures(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	other, _ := New(bytes.Repeat([]byte{9}, KeySize))
	ciphertext, nonce, _ := s.Seal("secret")

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff

	tests := []struct {
		name       string
		sealer     *Sealer
		ciphertext []byte
		nonce      []byte
	}{
		{"tampered ciphertext", s, tampered, nonce},
		{"wrong key", other, ciphertext, nonce},
		{"short nonce", s, ciphertext, nonce[:8]},
		{"wrong nonce", s, ciphertext, make([]byte, 12)},
		{"empty ciphertext", s, nil, nonce},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := tt.sealer.Open(tt.ciphertext, tt.nonce); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Open error = %v, want %v", err, ErrDecrypt)
			}
		})
	}
}

func TestParseMasterKey(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0xfb}, KeySize)

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{"std", base64.StdEncoding.EncodeToString(raw), false},
		{"raw url", base64.RawURLEncoding.EncodeToString(raw), false},
		{"padded with whitespace", " " + base64.StdEncoding.EncodeToString(raw) + "\n", false},
		{"too short", base64.StdEncoding.EncodeToString(raw[:16]), true},
		{"not base64", "%%%%", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key, err := ParseMasterKey(tt.encoded)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMasterKey) {
					t.Errorf("error = %v, want %v", err, ErrInvalidMasterKey)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(key, raw) {
				t.Error("decoded key mismatch")
			}
		})
	}
}

func TestGenerateMasterKey(t *testing.T) {
	t.Parallel()

	encoded, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	s, err := FromBase64(encoded)
	if err != nil {
		t.Fatalf("generated key should parse: %v", err)
	}
	c, n, _ := s.Seal("x")
	if got, _ := s.Open(c, n); got != "x" {
		t.Error("generated key should seal and open")
	}
}

func TestNew_WrongKeySize(t *testing.T) {
	t.Parallel()

	if _, err := New(make([]byte, 16)); !errors.Is(err, ErrInvalidMasterKey) {
		t.Errorf("error = %v, want %v", err, ErrInvalidMasterKey)
	}
}
