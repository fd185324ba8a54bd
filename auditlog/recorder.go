package auditlog

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/metrics"
)

// EntryPublisher mirrors appended entries to an external bus. Publishing is
// best-effort; the signed chain in the log store is the source of truth.
type EntryPublisher interface {
	PublishEntry(ctx context.Context, entry interfaces.SignedLogEntry) error
}

// Recorder assigns sequence numbers, signs and persists audit entries. It is
// the single owner of the append-with-sequence critical section: for each
// function id, GetLatestSequence -> build -> sign -> Append runs under a
// dedicated mutex, so concurrent appends to one chain always receive
// contiguous sequence numbers.
type Recorder struct {
	signer    interfaces.Signer
	store     interfaces.LogStore
	publisher EntryPublisher
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	invocationMu sync.RWMutex
	invocationID string
}

// NewRecorder creates a recorder writing through the given signer and store.
// publisher and m may be nil.
func NewRecorder(s interfaces.Signer, store interfaces.LogStore, publisher EntryPublisher, m *metrics.Metrics, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		signer:    s,
		store:     store,
		publisher: publisher,
		metrics:   m,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

// NewInvocation generates a fresh invocation id and makes it current.
// Entries appended without an explicit invocation id pick it up.
func (r *Recorder) NewInvocation() string {
	id := uuid.NewString()
	r.SetInvocationID(id)
	return id
}

// SetInvocationID installs an externally generated invocation id, so that
// inbound request entries and the egress entries they cause share one id.
//
// This assumes a single active invocation per recorder instance. Callers
// multiplexing invocations must set LogEntry.InvocationID explicitly instead.
func (r *Recorder) SetInvocationID(id string) {
	r.invocationMu.Lock()
	r.invocationID = id
	r.invocationMu.Unlock()
}

// InvocationID returns the current invocation id.
func (r *Recorder) InvocationID() string {
	r.invocationMu.RLock()
	defer r.invocationMu.RUnlock()
	return r.invocationID
}

// functionLock returns the mutex serializing appends for one function id.
func (r *Recorder) functionLock(functionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[functionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[functionID] = lock
	}
	return lock
}

// Append assigns the next sequence number for the entry's function id,
// timestamps it, signs it and persists it. The entry's Sequence and
// Timestamp fields are overwritten; InvocationID is filled from the current
// invocation when empty.
//
// An append failure means the event being logged must not proceed; callers
// treat it as fatal to the in-flight request.
func (r *Recorder) Append(ctx context.Context, entry interfaces.LogEntry) (interfaces.SignedLogEntry, error) {
	lock := r.functionLock(entry.FunctionID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	last, err := r.store.GetLatestSequence(ctx, entry.FunctionID)
	if err != nil {
		r.countAppendFailure()
		return interfaces.SignedLogEntry{}, fmt.Errorf("%w: reading latest sequence: %v", interfaces.ErrAppendFailed, err)
	}

	entry.Sequence = last + 1
	// Taken inside the critical section so timestamps are monotonic by
	// sequence within one chain.
	entry.Timestamp = time.Now().UTC()
	if entry.InvocationID == "" {
		entry.InvocationID = r.InvocationID()
	}

	sig, err := r.signer.Sign(entry.CanonicalBytes())
	if err != nil {
		// Signing is the audit primitive; a broken signer must stop the
		// pipeline, not be papered over.
		return interfaces.SignedLogEntry{}, fmt.Errorf("signing log entry: %w", err)
	}

	signed := interfaces.SignedLogEntry{
		LogEntry:  entry,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}

	if err := r.store.Append(ctx, signed); err != nil {
		r.countAppendFailure()
		return interfaces.SignedLogEntry{}, fmt.Errorf("%w: %v", interfaces.ErrAppendFailed, err)
	}

	if r.metrics != nil {
		r.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}

	if r.publisher != nil {
		if err := r.publisher.PublishEntry(ctx, signed); err != nil {
			r.log.Warn("Failed to publish audit entry",
				slog.String("functionID", entry.FunctionID),
				slog.Uint64("sequence", entry.Sequence),
				"err", err)
		}
	}

	return signed, nil
}

func (r *Recorder) countAppendFailure() {
	if r.metrics != nil {
		r.metrics.AppendFailures.WithLabelValues(r.store.Name()).Inc()
	}
}
