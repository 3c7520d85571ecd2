package archive

// envelopeRow is the database representation of a received envelope.
// SentAt is the sender's unix-millisecond timestamp; ReceivedAt is the
// local unix-microsecond receive time.
type envelopeRow struct {
	EnvelopeID string
	Type       string
	Channel    string
	UserID     string
	SentAt     int64
	ReceivedAt int64
	Payload    []byte
}
