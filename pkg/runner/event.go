package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// MessageStartedTunnel is logged by ngrok once the public endpoint is assigned.
const MessageStartedTunnel = "started tunnel"

var (
	ErrMalformedEvent = errors.New("malformed tunnel event")
	ErrUnexpectedURL  = errors.New("unexpected tunnel url")
)

var tcpURLPattern = regexp.MustCompile(`^tcp://(.+):(\d+)$`)

// TunnelEvent is one line of ngrok's --log-format=json output.
// Only the msg and url keys are read.
type TunnelEvent struct {
	Msg string
	URL string
}

// ParseEvent decodes a single JSON log line. The line must be an object;
// keys are matched exactly and msg and url must be strings when present.
func ParseEvent(data []byte) (*TunnelEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v: %q", ErrMalformedEvent, err, data)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object: %q", ErrMalformedEvent, data)
	}

	var event TunnelEvent
	if err := stringField(fields, "msg", &event.Msg); err != nil {
		return nil, fmt.Errorf("%w: %v: %q", ErrMalformedEvent, err, data)
	}
	if err := stringField(fields, "url", &event.URL); err != nil {
		return nil, fmt.Errorf("%w: %v: %q", ErrMalformedEvent, err, data)
	}
	return &event, nil
}

func stringField(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s is not a string", key)
	}
	return nil
}

// Endpoint splits a tcp://host:port tunnel url.
func (e *TunnelEvent) Endpoint() (host, port string, err error) {
	m := tcpURLPattern.FindStringSubmatch(e.URL)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrUnexpectedURL, e.URL)
	}
	return m[1], m[2], nil
}
