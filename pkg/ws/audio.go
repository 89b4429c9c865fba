package ws

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyAudio is returned when an audio payload carries no bytes
var ErrEmptyAudio = errors.New("audio payload is empty")

// DecodeAudio converts a send_audio payload into raw bytes. Browsers send
// either a base64 string (optionally a data URL) or an array of numbers.
func DecodeAudio(data interface{}) ([]byte, error) {
	var audio []byte

	switch v := data.(type) {
	case string:
		if i := strings.Index(v, ";base64,"); strings.HasPrefix(v, "data:") && i >= 0 {
			v = v[i+len(";base64,"):]
		}
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode base64 audio: %w", err)
		}
		audio = decoded
	case []interface{}:
		audio = make([]byte, len(v))
		for i, n := range v {
			num, ok := n.(float64)
			if !ok || num < 0 || num > 255 {
				return nil, fmt.Errorf("audio sample %d is not a byte value", i)
			}
			audio[i] = byte(num)
		}
	case []byte:
		audio = v
	case nil:
		return nil, ErrEmptyAudio
	default:
		return nil, fmt.Errorf("unsupported audio data format: %T", data)
	}

	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// EncodeAudio is the inverse of DecodeAudio for the string form
func EncodeAudio(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// AudioDataURL wraps audio bytes as a data URL the browser can play directly
func AudioDataURL(mime string, audio []byte) string {
	return "data:" + mime + ";base64," + EncodeAudio(audio)
}
