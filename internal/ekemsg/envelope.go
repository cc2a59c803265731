package ekemsg

// Envelope carries a decoded message through the pipeline together with
// the opaque broker references of the source messages that produced it.
// A nil Data with non-empty SourceRefs means "nothing to emit, but these
// sources are fully consumed"; the runtime acknowledges them.
type Envelope struct {
	Data       *Message `json:"data"`
	SourceRefs []string `json:"source_refs,omitempty"`
}

// EmptyEnvelope returns an envelope with no payload carrying the given refs.
func EmptyEnvelope(refs ...string) Envelope {
	return Envelope{SourceRefs: refs}
}

// IsEmpty reports whether the envelope carries no payload.
func (e Envelope) IsEmpty() bool { return e.Data == nil }

// MergeRefs returns the concatenation of two source ref lists.
func MergeRefs(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// EventEnvelope carries a detected event.
type EventEnvelope struct {
	Data       *Event   `json:"data"`
	SourceRefs []string `json:"source_refs,omitempty"`
}

func (e EventEnvelope) IsEmpty() bool { return e.Data == nil }

// StationEnvelope carries an aggregated station event.
type StationEnvelope struct {
	Data       *StationEvent `json:"data"`
	SourceRefs []string      `json:"source_refs,omitempty"`
}

func (e StationEnvelope) IsEmpty() bool { return e.Data == nil }
