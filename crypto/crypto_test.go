package crypto

import (
	"bytes"
	"testing"
)

func TestNewEncryptor_ValidKeys(t *testing.T) {
	testCases := []struct {
		name    string
		keySize int
	}{
		{"AES-128", 16},
		{"AES-192", 24},
		{"AES-256", 32},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := NewEncryptor(make([]byte, tc.keySize))
			if err != nil {
				t.Fatalf("NewEncryptor failed: %v", err)
			}
			if enc == nil {
				t.Error("expected non-nil encryptor")
			}
		})
	}
}

func TestNewEncryptor_InvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 1, 15, 17, 31, 33, 64} {
		if _, err := NewEncryptor(make([]byte, size)); err != ErrInvalidKey {
			t.Errorf("key size %d: expected ErrInvalidKey, got %v", size, err)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, SaltSize)

	k1, err := DeriveKey("passphrase", salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k1))
	}

	k2, _ := DeriveKey("passphrase", salt)
	if !bytes.Equal(k1, k2) {
		t.Error("same passphrase and salt should derive the same key")
	}

	k3, _ := DeriveKey("passphrase", bytes.Repeat([]byte{8}, SaltSize))
	if bytes.Equal(k1, k3) {
		t.Error("different salts should derive different keys")
	}
}

func TestDeriveKey_Rejects(t *testing.T) {
	if _, err := DeriveKey("", make([]byte, SaltSize)); err != ErrEmptyPassphrase {
		t.Errorf("expected ErrEmptyPassphrase, got %v", err)
	}
	if _, err := DeriveKey("x", []byte{1, 2}); err != ErrInvalidSalt {
		t.Errorf("expected ErrInvalidSalt, got %v", err)
	}
}

func TestNewSalt_Random(t *testing.T) {
	s1, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	s2, _ := NewSalt()
	if len(s1) != SaltSize {
		t.Errorf("expected %d bytes, got %d", SaltSize, len(s1))
	}
	if bytes.Equal(s1, s2) {
		t.Error("two salts should differ")
	}
}

func TestSealOpen(t *testing.T) {
	salt, _ := NewSalt()
	enc, err := NewEncryptorFromPassphrase("hunter22", salt)
	if err != nil {
		t.Fatalf("NewEncryptorFromPassphrase failed: %v", err)
	}

	plaintext := []byte(`{"access":"abc","refresh":"def"}`)
	sealed, err := enc.Seal(plaintext, []byte("credentials"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("abc")) {
		t.Error("sealed blob should not contain plaintext")
	}

	opened, err := enc.Open(sealed, []byte("credentials"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, opened)
	}
}

func TestOpen_WrongAssociatedData(t *testing.T) {
	enc, _ := NewEncryptor(make([]byte, 32))
	sealed, _ := enc.Seal([]byte("secret"), []byte("credentials"))

	if _, err := enc.Open(sealed, []byte("device")); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpen_WrongPassphrase(t *testing.T) {
	salt, _ := NewSalt()
	enc1, _ := NewEncryptorFromPassphrase("right", salt)
	enc2, _ := NewEncryptorFromPassphrase("wrong", salt)

	sealed, _ := enc1.Seal([]byte("secret"), nil)
	if _, err := enc2.Open(sealed, nil); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpen_Truncated(t *testing.T) {
	enc, _ := NewEncryptor(make([]byte, 32))
	if _, err := enc.Open([]byte{1, 2, 3}, nil); err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}
