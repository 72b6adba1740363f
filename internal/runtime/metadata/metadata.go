package metadata

import "time"

// Keys carried alongside every event written to a pub/sub transport.
const (
	KeyChannel   = "relay_channel"
	KeyEventKind = "event_kind"
	KeySentAt    = "sent_at"
	KeySender    = "sender_key"
)

// Metadata represents the headers carried alongside an event envelope.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Channel returns the relay channel name recorded on the envelope.
func (m Metadata) Channel() string { return m[KeyChannel] }

// EventKind returns the event kind recorded on the envelope.
func (m Metadata) EventKind() string { return m[KeyEventKind] }

// SentAt parses the envelope send time; the zero time is returned when absent.
func (m Metadata) SentAt() time.Time {
	at, err := time.Parse(time.RFC3339Nano, m[KeySentAt])
	if err != nil {
		return time.Time{}
	}
	return at
}

// ForEnvelope builds the metadata written next to an outbound event.
func ForEnvelope(channel, kind, senderKey string, sentAt time.Time) Metadata {
	md := Metadata{
		KeyChannel:   channel,
		KeyEventKind: kind,
		KeySentAt:    sentAt.UTC().Format(time.RFC3339Nano),
	}
	if senderKey != "" {
		md[KeySender] = senderKey
	}
	return md
}
