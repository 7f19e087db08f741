package frames

import (
	"sync"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlFlush         ControlCode = "flush"
	ControlAudioEnd      ControlCode = "audio_end"
	ControlSpeechStarted ControlCode = "speech_started"
)

const (
	MetaSessionID = "session_id"
	MetaSource    = "source"
	MetaIsFinal   = "is_final"
	MetaReason    = "reason"
)

// Frame is the unit of data moving between the transport, the speech
// providers, the playback queue and the controller. Sequence numbers are
// monotonically increasing per stream; consumers rely on that for ordering.
type Frame interface {
	Kind() Kind
	Seq() uint64
	Meta() map[string]string
}

// AudioFrame carries one PCM chunk. Immutable once created; ownership moves
// from the producer to the playback queue.
type AudioFrame struct {
	seq    uint64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:  seq,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Frames built this
// way must eventually go through ReleaseAudioFrame.
func NewAudioFrameFromPool(sessionID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:    seq,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(sessionID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Seq() uint64             { return a.seq }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// TextFrame carries assistant or transcript text. For streamed assistant
// replies the text is cumulative: each frame holds the whole reply so far,
// and MetaIsFinal marks the last one.
type TextFrame struct {
	seq  uint64
	text string
	meta map[string]string
}

func NewTextFrame(sessionID string, seq uint64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		seq:  seq,
		text: text,
		meta: mergeMeta(sessionID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) Seq() uint64             { return t.seq }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }
func (t TextFrame) IsFinal() bool           { return t.meta[MetaIsFinal] == "true" }

type ControlFrame struct {
	seq  uint64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(sessionID string, seq uint64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		seq:  seq,
		code: code,
		meta: mergeMeta(sessionID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Seq() uint64             { return c.seq }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// SystemFrame reports lifecycle events such as connect and disconnect.
type SystemFrame struct {
	seq  uint64
	name string
	meta map[string]string
}

func NewSystemFrame(sessionID string, seq uint64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		seq:  seq,
		name: name,
		meta: mergeMeta(sessionID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) Seq() uint64             { return s.seq }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// SeqGen hands out monotonically increasing sequence numbers per stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(streamID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + 1
	g.value[streamID] = v
	return v
}

func (g *SeqGen) Reset(streamID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.value, streamID)
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
