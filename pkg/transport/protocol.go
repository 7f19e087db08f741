package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/harunnryd/elara/pkg/frames"
)

// Binary audio frames carry a fixed header in front of the PCM payload:
// 8 bytes big-endian sequence, 4 bytes sample rate, 2 bytes channel count.
const audioHeaderLen = 14

// EncodeAudioFrame serializes an audio frame into the wire layout.
func EncodeAudioFrame(f frames.AudioFrame) []byte {
	payload := f.RawPayload()
	out := make([]byte, audioHeaderLen+len(payload))
	binary.BigEndian.PutUint64(out[0:8], f.Seq())
	binary.BigEndian.PutUint32(out[8:12], uint32(f.Rate()))
	binary.BigEndian.PutUint16(out[12:14], uint16(f.Channels()))
	copy(out[audioHeaderLen:], payload)
	return out
}

// DecodeAudioFrame parses a binary message into a pooled audio frame.
func DecodeAudioFrame(sessionID string, b []byte) (frames.AudioFrame, error) {
	if len(b) < audioHeaderLen {
		return frames.AudioFrame{}, fmt.Errorf("audio frame too short: %d bytes", len(b))
	}
	seq := binary.BigEndian.Uint64(b[0:8])
	rate := int(binary.BigEndian.Uint32(b[8:12]))
	ch := int(binary.BigEndian.Uint16(b[12:14]))
	if rate <= 0 || ch <= 0 {
		return frames.AudioFrame{}, fmt.Errorf("audio frame header invalid: rate=%d channels=%d", rate, ch)
	}
	return frames.NewAudioFrameFromPool(sessionID, seq, b[audioHeaderLen:], rate, ch, nil), nil
}

type serverEnvelope struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeServerMessage parses a text message from the server. The second
// return value is false for message types this client does not understand;
// those are skipped, not failed on.
func DecodeServerMessage(sessionID string, seq uint64, b []byte) (frames.Frame, bool, error) {
	var env serverEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false, fmt.Errorf("decode server message: %w", err)
	}
	switch env.Type {
	case "chunk":
		meta := map[string]string{frames.MetaIsFinal: "false"}
		if env.IsFinal {
			meta[frames.MetaIsFinal] = "true"
		}
		return frames.NewTextFrame(sessionID, seq, env.Text, meta), true, nil
	case "audio_end":
		return frames.NewControlFrame(sessionID, seq, frames.ControlAudioEnd, nil), true, nil
	case "error":
		return frames.NewSystemFrame(sessionID, seq, "server_error", map[string]string{
			frames.MetaReason: env.Message,
		}), true, nil
	default:
		return nil, false, nil
	}
}

// ChatMessage is one entry of the conversation history sent to the server.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Action           string        `json:"action"`
	Messages         []ChatMessage `json:"messages"`
	ContinueResponse bool          `json:"continue_response,omitempty"`
}

// EncodeChatRequest serializes a chat submission. continueResponse asks the
// server to resume an interrupted reply instead of starting a new one.
func EncodeChatRequest(messages []ChatMessage, continueResponse bool) ([]byte, error) {
	return json.Marshal(chatRequest{
		Action:           "chat",
		Messages:         messages,
		ContinueResponse: continueResponse,
	})
}

type actionRequest struct {
	Action string `json:"action"`
}

// EncodePlaybackComplete serializes the notification that the client has
// finished playing the current response audio.
func EncodePlaybackComplete() ([]byte, error) {
	return json.Marshal(actionRequest{Action: "playback-complete"})
}
