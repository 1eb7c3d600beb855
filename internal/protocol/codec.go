package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peder1981/securecarrier/internal/crypto"
)

// Codec turns chat bodies into envelopes and frames back into Messages.
// The zero value is not usable: Gateway is required unless Plaintext is set.
type Codec struct {
	Gateway crypto.Gateway
	// Plaintext sends base64-only payloads, for peers that never encrypted.
	Plaintext bool
	Now       func() time.Time
	NewID     func() string
}

// NewCodec returns a Codec encrypting through g.
func NewCodec(g crypto.Gateway) *Codec {
	return &Codec{Gateway: g}
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// EncodeChat builds the frame carrying body from sender to recipient. The
// returned Chat is what the receiver will decode.
func (c *Codec) EncodeChat(sender User, recipient string, body []byte) (*Chat, []byte, error) {
	if sender.ID == "" {
		return nil, nil, fmt.Errorf("%w: chat without sender", ErrProtocol)
	}
	ts := c.now()
	env := envelope{
		Type:       TypeChat,
		MessageID:  c.newID(),
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Recipient:  recipient,
		Timestamp:  ts.UnixMilli(),
	}
	payload := body
	if !c.Plaintext {
		if c.Gateway == nil {
			return nil, nil, crypto.ErrNoKey
		}
		aad := chatAAD(env.MessageID, env.SenderID, env.SenderName, env.Recipient, env.Timestamp)
		sealed, err := c.Gateway.Encrypt(body, aad)
		if err != nil {
			return nil, nil, err
		}
		payload = sealed
	}
	env.Payload = base64.StdEncoding.EncodeToString(payload)

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	msg := &Chat{
		MessageID:  env.MessageID,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		Recipient:  env.Recipient,
		Timestamp:  time.UnixMilli(env.Timestamp),
		Body:       append([]byte(nil), body...),
	}
	return msg, frame, nil
}

// EncodePresence builds a presence snapshot frame.
func (c *Codec) EncodePresence(users []User) ([]byte, error) {
	env := presenceEnvelope{
		Type:      TypePresence,
		Timestamp: c.now().UnixMilli(),
		Users:     make([]wireUser, 0, len(users)),
	}
	for _, u := range users {
		env.Users = append(env.Users, wireUser{UserID: u.ID, DisplayName: u.Name})
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return frame, nil
}

// Decode parses one frame. Anything that is not JSON, or carries an unknown
// or missing type, decodes as *Raw. A chat or presence envelope with a
// broken structure is an ErrProtocol error, and a chat payload that fails
// authentication is a crypto error.
func (c *Codec) Decode(frame []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return &Raw{Text: string(frame)}, nil
	}
	switch head.Type {
	case TypeChat, TypePresence, typeOnlineUsers:
	default:
		return &Raw{Text: string(frame)}, nil
	}

	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", ErrProtocol, head.Type, err)
	}
	if in.Type == TypeChat {
		return c.decodeChat(&in)
	}
	return decodePresence(in.Users)
}

func (c *Codec) decodeChat(in *inbound) (*Chat, error) {
	if in.SenderID == "" {
		return nil, fmt.Errorf("%w: chat without sender_id", ErrProtocol)
	}
	if in.Payload == nil {
		return nil, fmt.Errorf("%w: chat without payload", ErrProtocol)
	}
	payload, err := base64.StdEncoding.DecodeString(*in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: chat payload: %v", ErrProtocol, err)
	}
	msg := &Chat{
		MessageID:  in.messageID(),
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Recipient:  in.recipient(),
		Timestamp:  time.UnixMilli(in.Timestamp),
	}
	if c.Plaintext {
		msg.Body = payload
		return msg, nil
	}
	if c.Gateway == nil {
		return nil, crypto.ErrNoKey
	}
	aad := chatAAD(msg.MessageID, msg.SenderID, msg.SenderName, msg.Recipient, in.Timestamp)
	body, err := c.Gateway.Decrypt(payload, aad)
	if err != nil {
		if errors.Is(err, crypto.ErrMalformedCiphertext) {
			return nil, fmt.Errorf("%w: chat %s from %s: %w", ErrProtocol, msg.MessageID, msg.SenderID, err)
		}
		return nil, fmt.Errorf("chat %s from %s: %w", msg.MessageID, msg.SenderID, err)
	}
	msg.Body = body
	return msg, nil
}

// decodePresence keeps every well-formed entry; broken entries and repeated
// ids are skipped.
func decodePresence(raw json.RawMessage) (*Presence, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return nil, fmt.Errorf("%w: presence users is not a list", ErrProtocol)
	}
	p := &Presence{Users: make([]User, 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		u, ok := decodeUser(e)
		if !ok || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		p.Users = append(p.Users, u)
	}
	return p, nil
}

func decodeUser(raw json.RawMessage) (User, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return User{}, false
	}
	id, ok := stringField(fields, "user_id", "userId")
	if !ok || id == "" {
		return User{}, false
	}
	name, _ := stringField(fields, "display_name", "displayName")
	return User{ID: id, Name: name}, true
}

func stringField(fields map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		raw, present := fields[k]
		if !present {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}
