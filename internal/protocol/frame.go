package protocol

import (
	"fmt"
	"strings"
)

// Op is the operation carried by a relay websocket frame.
type Op string

const (
	// Client to server.
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"

	// Server to client.
	OpMessage Op = "message"
	OpError   Op = "error"
)

// Error codes sent in OpError frames.
const (
	CodeBadFrame    = "bad_frame"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
)

const MaxTopicLength = 128

// Frame multiplexes relay operations for several topics over one websocket.
type Frame struct {
	Op       Op        `json:"op"`
	Topic    string    `json:"topic,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrict(data, &f); err != nil {
		return Frame{}, err
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Op {
	case OpSubscribe, OpUnsubscribe:
		if err := ValidateTopic(f.Topic); err != nil {
			return err
		}
		if f.Envelope != nil || f.Code != "" || f.Message != "" {
			return fmt.Errorf("%s frame has unexpected fields", f.Op)
		}
	case OpPublish, OpMessage:
		if err := ValidateTopic(f.Topic); err != nil {
			return err
		}
		if f.Envelope == nil {
			return fmt.Errorf("%s frame missing envelope", f.Op)
		}
		if f.Code != "" || f.Message != "" {
			return fmt.Errorf("%s frame has unexpected fields", f.Op)
		}
		if f.Op == OpMessage {
			return f.Envelope.Validate()
		}
	case OpError:
		if f.Code == "" || f.Message == "" {
			return fmt.Errorf("error frame missing code/message")
		}
		if f.Envelope != nil {
			return fmt.Errorf("error frame has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported frame op %q", f.Op)
	}
	return nil
}

// ValidateTopic checks a relay topic name. Topics are call identifiers and
// must be printable ASCII without whitespace.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("missing topic")
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("topic longer than %d bytes", MaxTopicLength)
	}
	if strings.IndexFunc(topic, func(r rune) bool { return r <= ' ' || r > '~' }) >= 0 {
		return fmt.Errorf("topic %q contains invalid characters", topic)
	}
	return nil
}
