package logstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslbarnes/dshield/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedEntry(functionID string, sequence uint64) interfaces.SignedLogEntry {
	return interfaces.SignedLogEntry{
		LogEntry: interfaces.LogEntry{
			Kind:         interfaces.EgressEntry,
			Sequence:     sequence,
			FunctionID:   functionID,
			InvocationID: "inv-1",
			Timestamp:    time.Now().UTC(),
			Method:       "GET",
			Host:         "example.com",
			Port:         80,
			Path:         "/",
			Protocol:     "http",
		},
		Signature: "c2ln",
	}
}

func TestMemoryStore_AppendAndRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	latest, err := store.GetLatestSequence(ctx, "fn")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest)

	require.NoError(t, store.Append(ctx, signedEntry("fn", 1)))
	require.NoError(t, store.Append(ctx, signedEntry("fn", 2)))

	latest, err = store.GetLatestSequence(ctx, "fn")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)

	entries, err := store.GetAll(ctx, "fn")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)

	// Unknown function ids read as empty, not as an error.
	entries, err = store.GetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_ChainsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, signedEntry("fn-a", 1)))
	require.NoError(t, store.Append(ctx, signedEntry("fn-b", 1)))

	latestA, _ := store.GetLatestSequence(ctx, "fn-a")
	latestB, _ := store.GetLatestSequence(ctx, "fn-b")
	assert.Equal(t, uint64(1), latestA)
	assert.Equal(t, uint64(1), latestB)
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, signedEntry("fn/with:odd chars", 1)))
	require.NoError(t, store.Append(ctx, signedEntry("fn/with:odd chars", 2)))

	entries, err := store.GetAll(ctx, "fn/with:odd chars")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "example.com", entries[0].Host)
	assert.Equal(t, uint64(2), entries[1].Sequence)
}

func TestFileStore_LatestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, signedEntry("fn", 1)))
	require.NoError(t, store.Append(ctx, signedEntry("fn", 2)))

	// A fresh instance over the same directory rebuilds the cache from disk.
	reopened, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	latest, err := reopened.GetLatestSequence(ctx, "fn")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)
}

func TestFactory_SupportedSchemes(t *testing.T) {
	factory := NewFactory(testLogger())

	store, err := factory.LogStoreFor("memory://")
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	store, err = factory.LogStoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "file-")

	_, err = factory.LogStoreFor("carrier-pigeon://coop")
	assert.Error(t, err)
}

func TestFactory_MirroredStore(t *testing.T) {
	factory := NewFactory(testLogger())

	single, err := factory.CreateMirroredStore([]string{"memory://"})
	require.NoError(t, err)
	assert.Equal(t, "memory", single.Name(), "a single URI should not be wrapped")

	mirrored, err := factory.CreateMirroredStore([]string{"memory://", "file://" + t.TempDir()})
	require.NoError(t, err)
	assert.Contains(t, mirrored.Name(), "mirror[")

	_, err = factory.CreateMirroredStore([]string{"memory://", "bogus://x"})
	assert.Error(t, err, "an unresolvable mirror URI must fail the whole store")
}

type rejectingStore struct{ *MemoryStore }

func (r *rejectingStore) Append(ctx context.Context, entry interfaces.SignedLogEntry) error {
	return errors.New("disk full")
}

func (r *rejectingStore) Name() string { return "rejecting" }

func TestMirroredStore_PartialAppendFails(t *testing.T) {
	healthy := NewMemoryStore()
	mirror := NewMirroredStore([]interfaces.LogStore{healthy, &rejectingStore{NewMemoryStore()}}, testLogger())
	ctx := context.Background()

	err := mirror.Append(ctx, signedEntry("fn", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejecting")
}

func TestMirroredStore_ReadsFromFirstAvailable(t *testing.T) {
	first := NewMemoryStore()
	second := NewMemoryStore()
	mirror := NewMirroredStore([]interfaces.LogStore{first, second}, testLogger())
	ctx := context.Background()

	require.NoError(t, mirror.Append(ctx, signedEntry("fn", 1)))

	entries, err := mirror.GetAll(ctx, "fn")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Both mirrors hold the entry.
	entriesSecond, err := second.GetAll(ctx, "fn")
	require.NoError(t, err)
	assert.Len(t, entriesSecond, 1)
}
