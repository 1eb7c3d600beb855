package crypto

import (
    "crypto/cipher"
    "crypto/rand"
    "errors"
    "fmt"
    "sync"

    "golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the symmetric key accepted by InstallKey.
const KeySize = chacha20poly1305.KeySize

// MaxMessageSize bounds the plaintext accepted by Encrypt.
const MaxMessageSize = 1 << 20

// ErrCrypto is the category every gateway error wraps.
var ErrCrypto = errors.New("crypto")

var (
    ErrNoKey               = fmt.Errorf("%w: no key installed", ErrCrypto)
    ErrKeySize             = fmt.Errorf("%w: key must be %d bytes", ErrCrypto, KeySize)
    ErrMessageTooLarge     = fmt.Errorf("%w: message exceeds %d bytes", ErrCrypto, MaxMessageSize)
    ErrMalformedCiphertext = fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
    // ErrAuthentication means the ciphertext or its associated data was
    // altered, or was sealed under another key.
    ErrAuthentication = fmt.Errorf("%w: authentication failed", ErrCrypto)
)

// Gateway is a keyed encrypt/decrypt capability over byte buffers.
type Gateway interface {
    // InstallKey replaces any previously installed key.
    InstallKey(key []byte) error
    Encrypt(plaintext, aad []byte) ([]byte, error)
    Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// AEAD is a Gateway backed by XChaCha20-Poly1305. Ciphertexts are the random
// nonce followed by the sealed box.
type AEAD struct {
    mu   sync.RWMutex
    aead cipher.AEAD
}

// NewAEAD returns a gateway with no key installed.
func NewAEAD() *AEAD {
    return &AEAD{}
}

// InstallKey replaces the key. A key of the wrong size leaves the previous
// key in place.
func (g *AEAD) InstallKey(key []byte) error {
    if len(key) != KeySize {
        return ErrKeySize
    }
    aead, err := chacha20poly1305.NewX(key)
    if err != nil {
        return fmt.Errorf("%w: %v", ErrCrypto, err)
    }
    g.mu.Lock()
    g.aead = aead
    g.mu.Unlock()
    return nil
}

func (g *AEAD) current() cipher.AEAD {
    g.mu.RLock()
    defer g.mu.RUnlock()
    return g.aead
}

// Encrypt seals plaintext, binding aad to the result.
func (g *AEAD) Encrypt(plaintext, aad []byte) ([]byte, error) {
    aead := g.current()
    if aead == nil {
        return nil, ErrNoKey
    }
    if len(plaintext) > MaxMessageSize {
        return nil, ErrMessageTooLarge
    }
    nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
    if _, err := rand.Read(nonce); err != nil {
        return nil, fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
    }
    return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same key and aad.
func (g *AEAD) Decrypt(ciphertext, aad []byte) ([]byte, error) {
    aead := g.current()
    if aead == nil {
        return nil, ErrNoKey
    }
    if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
        return nil, ErrMalformedCiphertext
    }
    nonce, box := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
    plaintext, err := aead.Open(nil, nonce, box, aad)
    if err != nil {
        return nil, ErrAuthentication
    }
    return plaintext, nil
}
