package util

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("TamperNonce", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[0] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered nonce, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("RejectShortCipherText", func(t *testing.T) {
		_, err := DecryptAESWithAAD([]byte{1, 2, 3}, key, aad)
		if !errors.Is(err, ErrCiphertextTooShort) {
			t.Errorf("expected ErrCiphertextTooShort, got %v", err)
		}
	})

	t.Run("SplitJoinNonce", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		nonce, ct, err := SplitNonce(cipherText)
		if err != nil {
			t.Fatalf("SplitNonce failed: %v", err)
		}
		if len(nonce) != GCMNonceSize {
			t.Errorf("expected nonce size %d, got %d", GCMNonceSize, len(nonce))
		}
		if !bytes.Equal(JoinNonce(nonce, ct), cipherText) {
			t.Error("JoinNonce did not restore the sealed value")
		}
	})
}

func TestGeneratePassword(t *testing.T) {
	t.Run("PolicyClasses", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			p, err := GeneratePassword(MinPasswordLength)
			if err != nil {
				t.Fatalf("GeneratePassword failed: %v", err)
			}
			if len(p) != MinPasswordLength {
				t.Fatalf("expected length %d, got %d", MinPasswordLength, len(p))
			}
			if !HasPasswordClasses(p) {
				t.Fatalf("password %q is missing a character class", p)
			}
			for _, r := range p {
				if !strings.ContainsRune(passwordAll, r) {
					t.Fatalf("password %q contains unexpected character %q", p, r)
				}
			}
		}
	})

	t.Run("Unique", func(t *testing.T) {
		a, _ := GeneratePassword(24)
		b, _ := GeneratePassword(24)
		if a == b {
			t.Error("expected distinct passwords")
		}
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := GeneratePassword(MinPasswordLength - 1)
		if !errors.Is(err, ErrPasswordTooShort) {
			t.Errorf("expected ErrPasswordTooShort, got %v", err)
		}
	})
}

func TestArgon2id(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}
	passphrase := "correct horse battery staple"
	salt := []byte("random salt 0123")

	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected key length 32, got %d", len(key))
	}

	again, _ := DeriveArgon2idKey(passphrase, salt, params)
	if !bytes.Equal(key, again) {
		t.Error("argon2id should be deterministic")
	}

	other, _ := DeriveArgon2idKey("wrong passphrase", salt, params)
	if bytes.Equal(key, other) {
		t.Error("different passphrases should derive different keys")
	}

	bad := params
	bad.KeyLen = 16
	if _, err := DeriveArgon2idKey(passphrase, salt, bad); !errors.Is(err, ErrInvalidKDFParams) {
		t.Errorf("expected ErrInvalidKDFParams, got %v", err)
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	c := CopyBytes(b)
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
	if !bytes.Equal(c, []byte{1, 2, 3}) {
		t.Errorf("copy should be independent, got %v", c)
	}
}

func TestHexDecodeN(t *testing.T) {
	b, err := HexDecodeN("00ff10", 3)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(b, []byte{0x00, 0xff, 0x10}) {
		t.Errorf("unexpected bytes %x", b)
	}
	if _, err := HexDecodeN("00ff", 3); err == nil {
		t.Error("expected length error")
	}
	if _, err := HexDecodeN("zz", 1); err == nil {
		t.Error("expected hex error")
	}
}

func TestNormalize(t *testing.T) {
	// U+00E9 and e + U+0301 render identically.
	if Normalize("café") != Normalize("café") {
		t.Error("composed and decomposed forms should normalize equal")
	}
}
