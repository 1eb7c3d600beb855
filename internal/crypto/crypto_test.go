package crypto

import (
    "bytes"
    "context"
    "errors"
    "os"
    "path/filepath"
    "testing"
)

func testKey(b byte) []byte {
    return bytes.Repeat([]byte{b}, KeySize)
}

func TestEncryptDecrypt(t *testing.T) {
    g := NewAEAD()
    if err := g.InstallKey(testKey(1)); err != nil {
        t.Fatalf("InstallKey error: %v", err)
    }
    plaintext := []byte("secret message")
    aad := []byte("aad")
    ciphertext, err := g.Encrypt(plaintext, aad)
    if err != nil {
        t.Fatalf("Encrypt error: %v", err)
    }
    decrypted, err := g.Decrypt(ciphertext, aad)
    if err != nil {
        t.Fatalf("Decrypt error: %v", err)
    }
    if !bytes.Equal(decrypted, plaintext) {
        t.Errorf("Decrypted message mismatch: got %s, want %s", decrypted, plaintext)
    }
    // Tampering detection
    ciphertext[len(ciphertext)-1] ^= 0xFF
    if _, err := g.Decrypt(ciphertext, aad); !errors.Is(err, ErrAuthentication) {
        t.Errorf("Decrypt on tampered ciphertext: got %v, want ErrAuthentication", err)
    }
}

func TestDecryptTamperedAAD(t *testing.T) {
    g := NewAEAD()
    if err := g.InstallKey(testKey(2)); err != nil {
        t.Fatalf("InstallKey error: %v", err)
    }
    ciphertext, err := g.Encrypt([]byte("hi"), []byte("sender=u1"))
    if err != nil {
        t.Fatalf("Encrypt error: %v", err)
    }
    _, err = g.Decrypt(ciphertext, []byte("sender=u3"))
    if !errors.Is(err, ErrAuthentication) {
        t.Fatalf("got %v, want ErrAuthentication", err)
    }
    if !errors.Is(err, ErrCrypto) {
        t.Errorf("ErrAuthentication does not wrap ErrCrypto")
    }
}

func TestDecryptWrongKey(t *testing.T) {
    a, b := NewAEAD(), NewAEAD()
    a.InstallKey(testKey(3))
    b.InstallKey(testKey(4))
    ciphertext, err := a.Encrypt([]byte("hi"), nil)
    if err != nil {
        t.Fatalf("Encrypt error: %v", err)
    }
    if _, err := b.Decrypt(ciphertext, nil); !errors.Is(err, ErrAuthentication) {
        t.Errorf("got %v, want ErrAuthentication", err)
    }
}

func TestMalformedIsNotAuthentication(t *testing.T) {
    g := NewAEAD()
    g.InstallKey(testKey(5))
    _, err := g.Decrypt([]byte("short"), nil)
    if !errors.Is(err, ErrMalformedCiphertext) {
        t.Fatalf("got %v, want ErrMalformedCiphertext", err)
    }
    if errors.Is(err, ErrAuthentication) {
        t.Errorf("malformed input reported as authentication failure")
    }
}

func TestNoKeyInstalled(t *testing.T) {
    g := NewAEAD()
    if _, err := g.Encrypt([]byte("x"), nil); !errors.Is(err, ErrNoKey) {
        t.Errorf("Encrypt without key: got %v", err)
    }
    if _, err := g.Decrypt(make([]byte, 64), nil); !errors.Is(err, ErrNoKey) {
        t.Errorf("Decrypt without key: got %v", err)
    }
}

func TestInstallKeyReplacesAndRejectsBadSize(t *testing.T) {
    g := NewAEAD()
    g.InstallKey(testKey(6))
    ciphertext, _ := g.Encrypt([]byte("before"), nil)

    if err := g.InstallKey([]byte("short")); !errors.Is(err, ErrKeySize) {
        t.Fatalf("got %v, want ErrKeySize", err)
    }
    // bad size keeps the previous key
    if _, err := g.Decrypt(ciphertext, nil); err != nil {
        t.Fatalf("previous key lost: %v", err)
    }
    g.InstallKey(testKey(7))
    if _, err := g.Decrypt(ciphertext, nil); !errors.Is(err, ErrAuthentication) {
        t.Errorf("old ciphertext opened under replaced key: %v", err)
    }
}

func TestEncryptRejectsOversized(t *testing.T) {
    g := NewAEAD()
    g.InstallKey(testKey(8))
    if _, err := g.Encrypt(make([]byte, MaxMessageSize+1), nil); !errors.Is(err, ErrMessageTooLarge) {
        t.Errorf("got %v, want ErrMessageTooLarge", err)
    }
}

func TestNoncesDiffer(t *testing.T) {
    g := NewAEAD()
    g.InstallKey(testKey(9))
    c1, _ := g.Encrypt([]byte("same"), nil)
    c2, _ := g.Encrypt([]byte("same"), nil)
    if bytes.Equal(c1, c2) {
        t.Errorf("two encryptions of the same plaintext are identical")
    }
}

func TestLoadOrCreateKey(t *testing.T) {
    keyPath := filepath.Join(t.TempDir(), "nested", "channel.key")
    k1, err := LoadOrCreateKey(keyPath)
    if err != nil {
        t.Fatalf("LoadOrCreateKey first call error: %v", err)
    }
    k2, err := FileKey{Path: keyPath}.Key(context.Background())
    if err != nil {
        t.Fatalf("LoadOrCreateKey second call error: %v", err)
    }
    if !bytes.Equal(k1, k2) {
        t.Errorf("Keys do not match: %x vs %x", k1, k2)
    }
    info, err := os.Stat(keyPath)
    if err != nil {
        t.Fatalf("key file not found at %s: %v", keyPath, err)
    }
    if info.Mode().Perm() != 0o600 {
        t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
    }
}

func TestLoadOrCreateKeyRejectsForeignPEM(t *testing.T) {
    keyPath := filepath.Join(t.TempDir(), "channel.key")
    os.WriteFile(keyPath, []byte("-----BEGIN OTHER-----\nAAAA\n-----END OTHER-----\n"), 0o600)
    if _, err := LoadOrCreateKey(keyPath); err == nil {
        t.Errorf("foreign PEM accepted as channel key")
    }
}

func TestPassphraseKeyIsShared(t *testing.T) {
    ctx := context.Background()
    a, err := PassphraseKey{Passphrase: "lan party", Salt: "s"}.Key(ctx)
    if err != nil {
        t.Fatalf("Key error: %v", err)
    }
    b, _ := PassphraseKey{Passphrase: "lan party", Salt: "s"}.Key(ctx)
    c, _ := PassphraseKey{Passphrase: "other", Salt: "s"}.Key(ctx)
    if len(a) != KeySize {
        t.Fatalf("derived key has %d bytes", len(a))
    }
    if !bytes.Equal(a, b) {
        t.Errorf("same passphrase derived different keys")
    }
    if bytes.Equal(a, c) {
        t.Errorf("different passphrases derived the same key")
    }
    if _, err := (PassphraseKey{}).Key(ctx); err == nil {
        t.Errorf("empty passphrase accepted")
    }
}

func TestStaticKey(t *testing.T) {
    if _, err := StaticKey("short").Key(context.Background()); !errors.Is(err, ErrKeySize) {
        t.Errorf("got %v, want ErrKeySize", err)
    }
    k, err := StaticKey(testKey(1)).Key(context.Background())
    if err != nil || !bytes.Equal(k, testKey(1)) {
        t.Errorf("StaticKey returned %x, %v", k, err)
    }
}
