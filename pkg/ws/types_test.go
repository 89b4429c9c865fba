package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeBindEmptyData(t *testing.T) {
	env, err := Decode([]byte(`{"event":"create_session"}`))
	require.NoError(t, err)

	req := CreateSessionRequest{Personality: "unchanged"}
	require.NoError(t, env.Bind(&req))
	assert.Equal(t, EventCreateSession, env.Event)
	assert.Equal(t, "unchanged", req.Personality)
}

func TestEncodeSessionError(t *testing.T) {
	frame, err := Encode(EventSessionError, SessionError{Error: "invalid_session", Message: "Invalid or expired session"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"session_error","data":{"error":"invalid_session","message":"Invalid or expired session"}}`, string(frame))
}

func TestDecodeAudio(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    []byte
		wantErr bool
	}{
		{name: "base64", input: "aGVsbG8=", want: []byte("hello")},
		{name: "data url", input: "data:audio/webm;base64,aGVsbG8=", want: []byte("hello")},
		{name: "numbers", input: []interface{}{float64(104), float64(105)}, want: []byte("hi")},
		{name: "out of range", input: []interface{}{float64(300)}, wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "nil", input: nil, wantErr: true},
		{name: "unsupported", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAudio(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
