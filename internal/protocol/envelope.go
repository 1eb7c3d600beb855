// Package protocol encodes and decodes the JSON envelopes exchanged over
// the realtime channel, and dispatches decoded messages to the application.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Envelope discriminators.
const (
	TypeChat     = "chat"
	TypePresence = "presence"
	TypeRaw      = "raw"

	// typeOnlineUsers is the presence discriminator older relays send.
	typeOnlineUsers = "online_users"
)

// ErrProtocol is the category of malformed envelopes of a known type. The
// offending frame is dropped; the channel stays open.
var ErrProtocol = errors.New("protocol")

// Message is the result of decoding a frame: *Chat, *Presence or *Raw.
type Message interface {
	message()
}

// User is one entry of a presence snapshot.
type User struct {
	ID   string
	Name string
}

// Chat is a decrypted chat message.
type Chat struct {
	MessageID  string
	SenderID   string
	SenderName string
	Recipient  string
	Timestamp  time.Time
	Body       []byte
}

// Presence is a full-replace snapshot of the users the relay sees online,
// in relay order, unique by ID.
type Presence struct {
	Users []User
}

// Raw is a frame that is not a chat or presence envelope, passed through
// as a server notice.
type Raw struct {
	Text string
}

func (*Chat) message()     {}
func (*Presence) message() {}
func (*Raw) message()      {}

// envelope is the wire form written by this package.
type envelope struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Payload    string `json:"payload"`
}

type presenceEnvelope struct {
	Type      string     `json:"type"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Users     []wireUser `json:"users"`
}

type wireUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// inbound is the lenient wire form accepted by Decode. message_id may be a
// string or a number, and the recipient may be sent as recipient_id.
type inbound struct {
	Type        string          `json:"type"`
	MessageID   json.RawMessage `json:"message_id"`
	SenderID    string          `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	Recipient   string          `json:"recipient"`
	RecipientID string          `json:"recipient_id"`
	Timestamp   int64           `json:"timestamp"`
	Payload     *string         `json:"payload"`
	Users       json.RawMessage `json:"users"`
}

func (in *inbound) recipient() string {
	if in.Recipient != "" {
		return in.Recipient
	}
	return in.RecipientID
}

func (in *inbound) messageID() string {
	raw := bytes.TrimSpace(in.MessageID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

const aadLabel = "securecarrier/chat/v1"

// chatAAD binds the non-payload fields of a chat envelope to its ciphertext.
// Fields are length-prefixed so no two field lists share an encoding.
func chatAAD(messageID, senderID, senderName, recipient string, ts int64) []byte {
	fields := []string{aadLabel, TypeChat, messageID, senderID, senderName, recipient, strconv.FormatInt(ts, 10)}
	var buf bytes.Buffer
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		buf.Write(n[:])
		buf.WriteString(f)
	}
	return buf.Bytes()
}
