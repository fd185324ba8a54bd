package interfaces

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LogEntryKind discriminates the three audit record variants.
type LogEntryKind string

const (
	// EgressEntry records an outbound network contact attempted by
	// sandboxed code through the logging proxy.
	EgressEntry LogEntryKind = "egress"

	// RequestEntry records a request arriving at the runtime itself.
	RequestEntry LogEntryKind = "request"

	// ResponseEntry records the runtime's response to an earlier request
	// entry, referenced through RequestSeq.
	ResponseEntry LogEntryKind = "response"
)

// TimestampLayout is the wire format for entry timestamps: ISO 8601 in UTC
// with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// LogEntry is one audit record before signing. The base fields are shared by
// all kinds; the remaining fields belong to exactly one variant and stay at
// their zero value otherwise.
type LogEntry struct {
	Kind         LogEntryKind `json:"kind"`
	Sequence     uint64       `json:"sequence"`
	FunctionID   string       `json:"functionId"`
	InvocationID string       `json:"invocationId"`
	Timestamp    time.Time    `json:"-"`

	// Egress variant.
	Method   string `json:"method,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	// Request variant (Method and Path are shared with egress).
	SourceIP    string `json:"sourceIp,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	RequestSize int64  `json:"requestSize,omitempty"`
	RequestHash string `json:"requestHash,omitempty"`

	// Response variant.
	RequestSeq   uint64 `json:"requestSeq,omitempty"`
	Status       int    `json:"status,omitempty"`
	ResponseSize int64  `json:"responseSize,omitempty"`
	ResponseHash string `json:"responseHash,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`

	// RawTimestamp carries the wire timestamp during decoding.
	RawTimestamp string `json:"timestamp,omitempty"`
}

// CanonicalBytes returns the deterministic serialization the signature is
// computed over: a JSON object with the base fields first, then the fields of
// the entry's variant, with no whitespace beyond mandatory separators. The
// signature field is never part of this serialization.
func (e *LogEntry) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField(&buf, "kind", string(e.Kind), true)
	writeNumField(&buf, "sequence", int64(e.Sequence))
	writeField(&buf, "functionId", e.FunctionID, false)
	writeField(&buf, "invocationId", e.InvocationID, false)
	writeField(&buf, "timestamp", e.Timestamp.UTC().Format(TimestampLayout), false)

	switch e.Kind {
	case EgressEntry:
		writeField(&buf, "method", e.Method, false)
		writeField(&buf, "host", e.Host, false)
		writeNumField(&buf, "port", int64(e.Port))
		writeField(&buf, "path", e.Path, false)
		writeField(&buf, "protocol", e.Protocol, false)
	case RequestEntry:
		writeField(&buf, "method", e.Method, false)
		writeField(&buf, "path", e.Path, false)
		writeField(&buf, "sourceIp", e.SourceIP, false)
		if e.ClientID != "" {
			writeField(&buf, "clientId", e.ClientID, false)
		}
		writeNumField(&buf, "requestSize", e.RequestSize)
		writeField(&buf, "requestHash", e.RequestHash, false)
	case ResponseEntry:
		writeNumField(&buf, "requestSeq", int64(e.RequestSeq))
		writeNumField(&buf, "status", int64(e.Status))
		writeNumField(&buf, "responseSize", e.ResponseSize)
		writeField(&buf, "responseHash", e.ResponseHash, false)
		writeNumField(&buf, "durationMs", e.DurationMs)
	}

	buf.WriteByte('}')
	return buf.Bytes()
}

// writeField appends a string field to the canonical buffer, JSON-escaping
// the value. The first field omits the leading comma.
func writeField(buf *bytes.Buffer, name, value string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	buf.WriteByte('"')
	buf.WriteString(name)
	buf.WriteString(`":`)
	encoded, _ := json.Marshal(value)
	buf.Write(encoded)
}

// writeNumField appends a numeric field to the canonical buffer.
func writeNumField(buf *bytes.Buffer, name string, value int64) {
	buf.WriteByte(',')
	buf.WriteByte('"')
	buf.WriteString(name)
	buf.WriteString(`":`)
	fmt.Fprintf(buf, "%d", value)
}

// SignedLogEntry is a log entry plus the base64 signature over its canonical
// bytes. Once appended to a log store it is immutable.
type SignedLogEntry struct {
	LogEntry
	Signature string `json:"signature"`
}

// MarshalJSON emits the wire form: the canonical serialization with the
// signature appended as the final field, so clients can verify by stripping
// the signature and re-running the canonicalization.
func (e SignedLogEntry) MarshalJSON() ([]byte, error) {
	canonical := e.LogEntry.CanonicalBytes()

	var buf bytes.Buffer
	buf.Write(canonical[:len(canonical)-1])
	buf.WriteString(`,"signature":`)
	encoded, err := json.Marshal(e.Signature)
	if err != nil {
		return nil, err
	}
	buf.Write(encoded)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the wire form, parsing the textual timestamp back
// into the Timestamp field.
func (e *SignedLogEntry) UnmarshalJSON(data []byte) error {
	type wireEntry SignedLogEntry
	var decoded wireEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	if decoded.RawTimestamp != "" {
		ts, err := time.Parse(TimestampLayout, decoded.RawTimestamp)
		if err != nil {
			return fmt.Errorf("invalid entry timestamp %q: %w", decoded.RawTimestamp, err)
		}
		decoded.Timestamp = ts
	}

	*e = SignedLogEntry(decoded)
	return nil
}
