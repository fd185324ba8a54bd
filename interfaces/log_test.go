package interfaces

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEgressEntry() LogEntry {
	return LogEntry{
		Kind:         EgressEntry,
		Sequence:     1,
		FunctionID:   "fn-1",
		InvocationID: "inv-1",
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC),
		Method:       "GET",
		Host:         "api.example.com",
		Port:         443,
		Path:         "/v1/data?x=1",
		Protocol:     "https",
	}
}

func TestCanonicalBytes_EgressFieldOrder(t *testing.T) {
	entry := sampleEgressEntry()

	canonical := string(entry.CanonicalBytes())

	expected := `{"kind":"egress","sequence":1,"functionId":"fn-1","invocationId":"inv-1",` +
		`"timestamp":"2025-03-14T09:26:53.589Z","method":"GET","host":"api.example.com",` +
		`"port":443,"path":"/v1/data?x=1","protocol":"https"}`
	assert.Equal(t, expected, canonical)
}

func TestCanonicalBytes_NoWhitespace(t *testing.T) {
	entry := sampleEgressEntry()
	canonical := string(entry.CanonicalBytes())

	assert.NotContains(t, canonical, " \"")
	assert.NotContains(t, canonical, ": ")
	assert.NotContains(t, canonical, "\n")
}

func TestCanonicalBytes_RequestOmitsEmptyClientID(t *testing.T) {
	entry := LogEntry{
		Kind:         RequestEntry,
		Sequence:     3,
		FunctionID:   "dshield-runtime",
		InvocationID: "inv-9",
		Timestamp:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Method:       "POST",
		Path:         "/api/functions/fn-1/invoke",
		SourceIP:     "10.0.0.7",
		RequestSize:  42,
		RequestHash:  strings.Repeat("ab", 32),
	}

	canonical := string(entry.CanonicalBytes())
	assert.NotContains(t, canonical, "clientId")

	entry.ClientID = "client-7"
	canonical = string(entry.CanonicalBytes())
	assert.Contains(t, canonical, `"clientId":"client-7"`)
}

func TestSignedEntry_WireRoundTrip(t *testing.T) {
	signed := SignedLogEntry{
		LogEntry:  sampleEgressEntry(),
		Signature: "c2lnbmF0dXJl",
	}

	wire, err := json.Marshal(signed)
	require.NoError(t, err)

	// The signature must be the final field so stripping it recovers the
	// canonical form.
	assert.True(t, strings.HasSuffix(string(wire), `,"signature":"c2lnbmF0dXJl"}`))

	var decoded SignedLogEntry
	require.NoError(t, json.Unmarshal(wire, &decoded))

	assert.Equal(t, signed.Signature, decoded.Signature)
	assert.Equal(t, signed.Sequence, decoded.Sequence)
	assert.Equal(t, signed.Host, decoded.Host)
	assert.True(t, signed.Timestamp.Equal(decoded.Timestamp))

	// Re-canonicalizing the decoded entry reproduces the signable bytes.
	assert.Equal(t, signed.LogEntry.CanonicalBytes(), decoded.LogEntry.CanonicalBytes())
}

func TestComputeKeyFingerprint_Stable(t *testing.T) {
	pem := []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n")
	assert.Equal(t, ComputeKeyFingerprint(pem), ComputeKeyFingerprint(pem))
	assert.Len(t, ComputeKeyFingerprint(pem).String(), 64)
}
