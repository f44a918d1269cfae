package peerstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/blesync/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	peer := link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "catfish"}

	t.Run("LoadMissingFileReturnsZero", func(t *testing.T) {
		// GOAL: Verify a fresh install has no remembered peer
		//
		// TEST SCENARIO: No state file → Load() → zero identity, no error

		store := NewFileStore(filepath.Join(t.TempDir(), "peer.yaml"))

		got, err := store.Load()

		require.NoError(t, err, "missing file MUST NOT be an error")
		assert.True(t, got.IsZero(), "identity MUST be zero")
	})

	t.Run("SaveThenLoad", func(t *testing.T) {
		// GOAL: Verify the remembered peer survives a restart
		//
		// TEST SCENARIO: Save → new store on same path → Load returns saved peer

		path := filepath.Join(t.TempDir(), "nested", "peer.yaml")
		require.NoError(t, NewFileStore(path).Save(peer), "save MUST succeed and create parent dirs")

		got, err := NewFileStore(path).Load()

		require.NoError(t, err)
		assert.Equal(t, peer, got, "loaded peer MUST match saved peer")
		_, statErr := os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(statErr), "temp file MUST NOT be left behind")
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		// GOAL: Verify at most one peer is remembered
		//
		// TEST SCENARIO: Save A → Save B → Load returns B

		store := NewFileStore(filepath.Join(t.TempDir(), "peer.yaml"))
		require.NoError(t, store.Save(peer))
		other := link.PeerIdentity{Address: "11:22:33:44:55:66", Name: "sturgeon"}
		require.NoError(t, store.Save(other))

		got, err := store.Load()

		require.NoError(t, err)
		assert.Equal(t, other, got, "second save MUST replace the first")
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		// GOAL: Verify clearing forgets the peer and tolerates a missing file
		//
		// TEST SCENARIO: Save → Clear → Clear → Load returns zero

		store := NewFileStore(filepath.Join(t.TempDir(), "peer.yaml"))
		require.NoError(t, store.Save(peer))

		require.NoError(t, store.Clear(), "first clear MUST succeed")
		require.NoError(t, store.Clear(), "second clear MUST succeed")

		got, err := store.Load()
		require.NoError(t, err)
		assert.True(t, got.IsZero(), "peer MUST be forgotten")
	})

	t.Run("CorruptFile", func(t *testing.T) {
		// GOAL: Verify a corrupt state file is reported, not silently ignored
		//
		// TEST SCENARIO: Garbage in file → Load() → error

		path := filepath.Join(t.TempDir(), "peer.yaml")
		require.NoError(t, os.WriteFile(path, []byte("peer: [unterminated"), 0o600))

		_, err := NewFileStore(path).Load()

		assert.Error(t, err, "corrupt file MUST produce an error")
	})

	t.Run("FutureVersionRejected", func(t *testing.T) {
		// GOAL: Verify newer state formats are not misread
		//
		// TEST SCENARIO: version 99 → Load() → error

		path := filepath.Join(t.TempDir(), "peer.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: 99\npeer:\n  address: x\n"), 0o600))

		_, err := NewFileStore(path).Load()

		assert.ErrorContains(t, err, "unsupported version")
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(link.PeerIdentity{})

	got, err := store.Load()
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "empty store MUST have no peer")

	peer := link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF"}
	require.NoError(t, store.Save(peer))
	got, _ = store.Load()
	assert.Equal(t, peer, got, "saved peer MUST be returned")

	require.NoError(t, store.Clear())
	got, _ = store.Load()
	assert.True(t, got.IsZero(), "cleared store MUST have no peer")
}
