package crypto

import (
    "context"
    "crypto/rand"
    "encoding/pem"
    "errors"
    "fmt"
    "os"
    "path/filepath"

    "golang.org/x/crypto/argon2"
)

const keyPEMType = "SECURECARRIER CHANNEL KEY"

// KeySupplier returns the symmetric key to install into a Gateway.
type KeySupplier interface {
    Key(ctx context.Context) ([]byte, error)
}

// StaticKey supplies a fixed key.
type StaticKey []byte

func (k StaticKey) Key(context.Context) ([]byte, error) {
    if len(k) != KeySize {
        return nil, ErrKeySize
    }
    return append([]byte(nil), k...), nil
}

// FileKey loads the key from a PEM file, creating it with a fresh random key
// when it does not exist.
type FileKey struct {
    Path string
}

func (f FileKey) Key(context.Context) ([]byte, error) {
    return LoadOrCreateKey(f.Path)
}

// LoadOrCreateKey carrega a chave simétrica de path ou cria uma nova, armazenando com permissão 0600.
func LoadOrCreateKey(path string) ([]byte, error) {
    if path == "" {
        return nil, errors.New("key path is empty")
    }
    if data, err := os.ReadFile(path); err == nil {
        block, _ := pem.Decode(data)
        if block == nil || block.Type != keyPEMType {
            return nil, fmt.Errorf("%s: not a channel key", path)
        }
        if len(block.Bytes) != KeySize {
            return nil, fmt.Errorf("%s: %w", path, ErrKeySize)
        }
        return block.Bytes, nil
    } else if !os.IsNotExist(err) {
        return nil, err
    }
    if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
        return nil, err
    }
    key := make([]byte, KeySize)
    if _, err := rand.Read(key); err != nil {
        return nil, err
    }
    pemData := pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: key})
    if err := os.WriteFile(path, pemData, 0o600); err != nil {
        return nil, err
    }
    return key, nil
}

// PassphraseKey derives the key from a passphrase shared out of band, so
// every peer configured with the same passphrase and salt holds the same key.
type PassphraseKey struct {
    Passphrase string
    Salt       string
}

func (p PassphraseKey) Key(context.Context) ([]byte, error) {
    if p.Passphrase == "" {
        return nil, errors.New("passphrase is empty")
    }
    return argon2.IDKey([]byte(p.Passphrase), []byte(p.Salt), 1, 64*1024, 4, KeySize), nil
}
