package state

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Format names the payload shape a snapshot was decoded from.
type Format string

const (
	FormatJSON   Format = "json"
	FormatCBOR   Format = "cbor"
	FormatFramed Format = "framed"
	FormatLegacy Format = "legacy"
)

// record is the structured update shape shared by the JSON and CBOR
// encodings.
type record struct {
	SentAt *string   `json:"sent_at" cbor:"sent_at"`
	State  *string   `json:"state" cbor:"state"`
	Alerts *[]string `json:"alerts" cbor:"alerts"`
}

// framedParts is the field count of the CRLF framed text form
// "sent_at\r\nstate\r\nalert".
const framedParts = 3

var cborDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Parser turns raw payloads into snapshots. The zero value uses the wall
// clock.
type Parser struct {
	Now func() time.Time
}

var defaultParser Parser

// Parse normalizes a payload using the wall clock. It never fails: anything
// that is not a structured update becomes legacy state text.
func Parse(nickname string, payload []byte) Snapshot {
	return defaultParser.Parse(nickname, payload)
}

func (p Parser) Parse(nickname string, payload []byte) Snapshot {
	s, _ := p.ParseFormat(nickname, payload)
	return s
}

// ParseFormat is Parse that also reports which shape matched.
func (p Parser) ParseFormat(nickname string, payload []byte) (Snapshot, Format) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	s := Snapshot{Nickname: nickname, ReceivedAt: now()}

	if rec, f, ok := decodeStructured(payload); ok {
		if rec.SentAt != nil {
			s.SentAt = *rec.SentAt
		}
		s.State = *rec.State
		if rec.Alerts != nil {
			s.Alerts = append([]string(nil), (*rec.Alerts)...)
		}
		return s, f
	}

	text := string(payload)
	if parts := strings.Split(text, "\r\n"); len(parts) == framedParts {
		s.SentAt, s.State = parts[0], parts[1]
		s.Alerts = []string{parts[2]}
		return s, FormatFramed
	}

	s.State = text
	return s, FormatLegacy
}

// decodeStructured accepts a JSON object or a CBOR map carrying at least
// a state field.
func decodeStructured(payload []byte) (record, Format, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var rec record
		if err := json.Unmarshal(trimmed, &rec); err == nil && rec.State != nil {
			return rec, FormatJSON, true
		}
		return record{}, "", false
	}
	// CBOR maps start with major type 5 (0xa0..0xbf).
	if len(payload) > 0 && payload[0]&0xe0 == 0xa0 {
		var rec record
		if err := cborDec.Unmarshal(payload, &rec); err == nil && rec.State != nil {
			return rec, FormatCBOR, true
		}
	}
	return record{}, "", false
}
