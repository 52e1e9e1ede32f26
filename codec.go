package pgpubsub

import (
	"encoding/json"
	"log/slog"
)

// codec packs and unpacks JSON payloads for the wire. Both directions are
// failure-tolerant: a notification channel is shared with every other
// process talking to the same database, so a malformed payload must never
// crash the receiver.
type codec struct {
	logger *slog.Logger
}

func newCodec(logger *slog.Logger) *codec {
	return &codec{logger: orDefault(logger)}
}

// pack encodes value as JSON text. If value cannot be marshaled (e.g. it
// contains a channel, a func, or a cyclic structure), pack logs a warning
// and returns the literal string "null" rather than propagating the error -
// NOTIFY always needs a string literal to send.
func (c *codec) pack(value any, pretty bool) string {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		c.logger.Warn("pgpubsub: failed to pack payload, sending null", "error", err)
		return "null"
	}
	return string(data)
}

// unpack decodes JSON text into a Go value. Non-string input decodes to
// nil. Malformed JSON is logged and replaced with an empty map rather than
// returned as an error, so a single bad message from an unrelated producer
// on the same channel can't take down a listener.
func (c *codec) unpack(text any) any {
	s, ok := text.(string)
	if !ok {
		return nil
	}

	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		c.logger.Warn("pgpubsub: failed to unpack payload, substituting empty object", "error", err)
		return map[string]any{}
	}
	return value
}
