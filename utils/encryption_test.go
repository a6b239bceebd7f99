package utils

import "testing"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}

	encrypted, err := c.Encrypt("relay-password")
	if err != nil {
		t.Fatal(err)
	}
	if encrypted == "relay-password" {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != "relay-password" {
		t.Fatalf("got %q", decrypted)
	}
}

func TestCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestCipherUniqueIVs(t *testing.T) {
	c, _ := NewCipher("0123456789abcdef")
	a, _ := c.Encrypt("secret")
	b, _ := c.Encrypt("secret")
	if a == b {
		t.Fatal("same plaintext produced identical ciphertexts")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, _ := NewCipher("0123456789abcdef")
	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestExtractAddress(t *testing.T) {
	cases := map[string]string{
		"Alice <alice@example.com>": "alice@example.com",
		"bob@example.com":           "bob@example.com",
		"  carol@example.com  ":     "carol@example.com",
	}
	for in, want := range cases {
		if got := ExtractAddress(in); got != want {
			t.Errorf("ExtractAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDomainOf(t *testing.T) {
	if got := DomainOf("Alice <alice@Example.COM>"); got != "example.com" {
		t.Fatalf("got %q", got)
	}
	if got := DomainOf("not-an-address"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestSizeKBRoundsUp(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 1, 1023: 1, 1024: 1, 1025: 2, 512 * 1024: 512}
	for in, want := range cases {
		if got := SizeKB(in); got != want {
			t.Errorf("SizeKB(%d) = %d, want %d", in, got, want)
		}
	}
}
