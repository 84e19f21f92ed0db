package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/Tyrowin/roomchat/internal/store"
)

// MaxContentLength bounds the content of a single frame, in characters.
const MaxContentLength = 4096

// DefaultMessageType is used when a frame does not name one.
const DefaultMessageType = "text"

// InboundFrame is the JSON frame a client sends to post a message.
type InboundFrame struct {
	Content     string         `json:"content"`
	MessageType string         `json:"messageType"`
	FileURL     *string        `json:"fileUrl,omitempty"`
	ReplyTo     *string        `json:"replyTo,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage is the broadcast form of a stored message.
type OutboundMessage struct {
	Type string `json:"type"`
	*store.Message
}

// decodeFrame checks the frame's shape with gjson before decoding it, so
// that wrong field types produce a precise error instead of a generic
// unmarshal failure.
func decodeFrame(raw []byte) (InboundFrame, error) {
	var frame InboundFrame

	if !gjson.ValidBytes(raw) {
		return frame, fmt.Errorf("%w: frame is not valid JSON", ErrInvalidFrame)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return frame, fmt.Errorf("%w: frame must be a JSON object", ErrInvalidFrame)
	}

	content := doc.Get("content")
	if content.Type != gjson.String {
		return frame, fmt.Errorf("%w: content must be a string", ErrInvalidFrame)
	}
	for _, field := range []string{"messageType", "fileUrl", "replyTo"} {
		if v := doc.Get(field); v.Exists() && v.Type != gjson.String && v.Type != gjson.Null {
			return frame, fmt.Errorf("%w: %s must be a string", ErrInvalidFrame, field)
		}
	}
	if v := doc.Get("metadata"); v.Exists() && !v.IsObject() && v.Type != gjson.Null {
		return frame, fmt.Errorf("%w: metadata must be an object", ErrInvalidFrame)
	}

	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	n := utf8.RuneCountInString(frame.Content)
	if n == 0 {
		return frame, fmt.Errorf("%w: content must not be empty", ErrInvalidFrame)
	}
	if n > MaxContentLength {
		return frame, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidFrame, MaxContentLength)
	}
	if strings.TrimSpace(frame.MessageType) == "" {
		frame.MessageType = DefaultMessageType
	}
	return frame, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
