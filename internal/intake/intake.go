// Package intake decodes Gmail Pub/Sub push envelopes into mailbox
// notifications. Decoding is pure: the transport redelivers at least once, so
// the same payload must decode to the same notification every time.
package intake

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedNotification marks a payload the boundary should reject with a
// client error; redelivering it can never succeed.
var ErrMalformedNotification = errors.New("malformed notification")

// Notification identifies the mailbox and the cursor the provider advertised.
type Notification struct {
	EmailAddress string
	NewCursor    string
}

type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type notificationData struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// Decode parses a raw Pub/Sub push body. The envelope wraps a base64-encoded
// JSON blob carrying emailAddress and historyId; both must be present.
func Decode(raw []byte) (Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedNotification, err)
	}
	if env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: missing message data", ErrMalformedNotification)
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Pub/Sub clients occasionally emit the URL-safe alphabet.
		decoded, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: invalid base64 payload: %v", ErrMalformedNotification, err)
		}
	}

	var data notificationData
	if err := json.Unmarshal(decoded, &data); err != nil {
		return Notification{}, fmt.Errorf("%w: invalid payload JSON: %v", ErrMalformedNotification, err)
	}
	if data.EmailAddress == "" {
		return Notification{}, fmt.Errorf("%w: missing emailAddress", ErrMalformedNotification)
	}

	cursor, err := cursorString(data.HistoryID)
	if err != nil || cursor == "" {
		return Notification{}, fmt.Errorf("%w: missing historyId", ErrMalformedNotification)
	}

	return Notification{EmailAddress: data.EmailAddress, NewCursor: cursor}, nil
}

// cursorString accepts historyId as either a JSON number or a string; Gmail
// push payloads use the numeric form, test fixtures often quote it.
func cursorString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n), nil
}
