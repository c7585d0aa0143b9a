package ingest

import (
	"errors"
	"fmt"

	"argus/core"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxDatagramSize is the largest source event accepted on the socket.
const MaxDatagramSize = 64 * 1024

var (
	// ErrEmptyPayload is returned for zero-length datagrams.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrEmptyMessage is returned for non-control events without a message.
	ErrEmptyMessage = errors.New("source event has no message")
)

// EncodeSourceEvent serializes se in the socket wire format.
func EncodeSourceEvent(se *core.SourceEvent) ([]byte, error) {
	data, err := msgpack.Marshal(se)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source event: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("encoded source event is %d bytes, limit is %d", len(data), MaxDatagramSize)
	}
	return data, nil
}

// DecodeSourceEvent parses one datagram. Unknown keys are ignored.
func DecodeSourceEvent(data []byte) (*core.SourceEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var se core.SourceEvent
	if err := msgpack.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("failed to decode source event: %w", err)
	}
	if se.Message == "" && !se.ControlMessage {
		return nil, ErrEmptyMessage
	}
	return &se, nil
}
