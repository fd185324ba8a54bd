package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// AttestationProvider binds report data to the platform's attestation
// evidence. Quote generation and validation are host concerns; the signer
// only prepares the report data that ties a quote to its public key.
type AttestationProvider interface {
	Attest(userData [64]byte) ([]byte, error)
}

// DummyAttestationProvider returns empty evidence. Used outside TEE
// deployments and in tests.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) Attest(userData [64]byte) ([]byte, error) {
	return []byte{}, nil
}

// RemoteAttestationProvider fetches quotes from a local quote provider
// service over HTTP. The report data travels hex-encoded in the URL path;
// the response body is the raw quote.
type RemoteAttestationProvider struct {
	Address string

	// Client overrides http.DefaultClient, e.g. to bound the quote
	// request with a timeout.
	Client *http.Client
}

func (p *RemoteAttestationProvider) Attest(userData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(p.Address + "/attest/" + hex.EncodeToString(userData[:]))
	if err != nil {
		return nil, fmt.Errorf("quote provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("quote provider response truncated: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote provider refused report data: status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// ReportData produces the 64-byte report binding this signer's public key
// into an attestation quote: the key fingerprint in the first half, the
// SHA-256 of the raw modulus bytes in the second.
func (s *Signer) ReportData() [64]byte {
	var report [64]byte
	fp := s.Fingerprint()
	copy(report[:32], fp[:])

	modulusHash := sha256.Sum256(s.key.PublicKey.N.Bytes())
	copy(report[32:], modulusHash[:])
	return report
}

// AttestPublicKey obtains attestation evidence over this signer's report
// data from the given provider.
func (s *Signer) AttestPublicKey(provider AttestationProvider) ([]byte, error) {
	return provider.Attest(s.ReportData())
}
