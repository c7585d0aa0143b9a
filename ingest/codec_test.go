package ingest

import (
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeSourceEvent(t *testing.T) {
	scanned := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeSourceEvent(&core.SourceEvent{
		Hostname:      "web01",
		SourceProgram: "sshd",
		SourceDomain:  "auth",
		Message:       "Failed password for root",
		TimeScanned:   scanned,
	})
	require.NoError(t, err)

	se, err := DecodeSourceEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "web01", se.Hostname)
	assert.Equal(t, "Failed password for root", se.Message)
	assert.True(t, scanned.Equal(se.TimeScanned))
	assert.False(t, se.IsShutdown())
}

func TestDecodeSourceEvent_IgnoresUnknownKeys(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{
		"message":  "hello",
		"hostname": "db01",
		"severity": 3,
	})
	require.NoError(t, err)

	se, err := DecodeSourceEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", se.Message)
	assert.Equal(t, "db01", se.Hostname)
}

func TestDecodeSourceEvent_Rejects(t *testing.T) {
	emptyMsg, err := msgpack.Marshal(map[string]any{"hostname": "x"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty payload", data: nil, want: ErrEmptyPayload},
		{name: "no message", data: emptyMsg, want: ErrEmptyMessage},
		{name: "garbage", data: []byte{0xc1, 0xff, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSourceEvent(tt.data)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDecodeSourceEvent_ShutdownControl(t *testing.T) {
	data, err := EncodeSourceEvent(&core.SourceEvent{Message: core.ShutdownMessage, ControlMessage: true})
	require.NoError(t, err)
	se, err := DecodeSourceEvent(data)
	require.NoError(t, err)
	assert.True(t, se.IsShutdown())
}

func TestEncodeSourceEvent_TooLarge(t *testing.T) {
	big := make([]byte, MaxDatagramSize)
	for i := range big {
		big[i] = 'a'
	}
	_, err := EncodeSourceEvent(&core.SourceEvent{Message: string(big)})
	assert.Error(t, err)
}
