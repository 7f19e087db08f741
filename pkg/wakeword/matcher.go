package wakeword

import "strings"

// Detection classifies a transcript against the trigger phrases.
type Detection int

const (
	DetectionNone Detection = iota
	DetectionStart
	DetectionStop
)

// Matcher checks transcripts for the start and stop phrases. Matching is
// case-insensitive and ignores punctuation, so "Computer!" triggers the
// phrase "computer".
type Matcher struct {
	start string
	stop  string
}

func NewMatcher(startPhrase, stopPhrase string) *Matcher {
	return &Matcher{
		start: normalize(startPhrase),
		stop:  normalize(stopPhrase),
	}
}

// Match returns what the transcript triggers. The stop phrase wins when both
// phrases appear in one utterance.
func (m *Matcher) Match(text string) Detection {
	t := normalize(text)
	if t == "" {
		return DetectionNone
	}
	if m.stop != "" && containsPhrase(t, m.stop) {
		return DetectionStop
	}
	if m.start != "" && containsPhrase(t, m.start) {
		return DetectionStart
	}
	return DetectionNone
}

func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
