// Package identity supplies the local user's id, display name and the
// capability token presented when opening the realtime channel.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned by ParseToken.
var ErrInvalidToken = errors.New("identity: invalid token")

const nonceLen = 8

// Supplier is the source of the local identity.
type Supplier interface {
	UserID() string
	DisplayName() string
	// Token mints a fresh capability token.
	Token() (string, error)
}

// Local is an identity held in configuration.
type Local struct {
	id   string
	name string
}

// NewLocal returns the identity id/name. An empty id gets a random UUID and
// an empty name becomes "User" followed by four digits.
func NewLocal(id, name string) (*Local, error) {
	if strings.Contains(id, ":") {
		return nil, fmt.Errorf("identity: user id %q must not contain ':'", id)
	}
	if id == "" {
		id = uuid.NewString()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		n, err := rand.Int(rand.Reader, big.NewInt(9000))
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		name = fmt.Sprintf("User%d", 1000+n.Int64())
	}
	return &Local{id: id, name: name}, nil
}

func (l *Local) UserID() string      { return l.id }
func (l *Local) DisplayName() string { return l.name }

// Token returns "id:name:nonce" with a random 8 hex digit nonce.
func (l *Local) Token() (string, error) {
	var b [nonceLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return l.id + ":" + l.name + ":" + hex.EncodeToString(b[:]), nil
}

// Claims are the fields carried by a token.
type Claims struct {
	UserID      string
	DisplayName string
	Nonce       string
}

// ParseToken splits a token minted by Token. The display name may itself
// contain ':'.
func ParseToken(token string) (Claims, error) {
	first := strings.Index(token, ":")
	last := strings.LastIndex(token, ":")
	if first <= 0 || last == first {
		return Claims{}, ErrInvalidToken
	}
	c := Claims{
		UserID:      token[:first],
		DisplayName: token[first+1 : last],
		Nonce:       token[last+1:],
	}
	if c.DisplayName == "" || len(c.Nonce) != nonceLen {
		return Claims{}, ErrInvalidToken
	}
	if _, err := hex.DecodeString(c.Nonce); err != nil {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
