package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morilens/internal/lens"
	logx "morilens/pkg/logx"
)

func sampleSnapshot() lens.Snapshot {
	return lens.Snapshot{
		Lenses: []lens.Lens{
			{Code: "ABCDEF", Name: "Front Door", OwnerID: 42, DestinationID: 999, ExpiresAt: 1_700_014_400_000, ShortCode: "abcdefg", Kind: lens.KindCamera, CreatedAt: 1_700_000_000_000},
			{Code: "ZXCVBN", Name: "Web", OwnerID: 42, Kind: lens.KindOnline},
			{Code: "QWERTY", Name: "Garage", OwnerID: 7, DestinationID: -100123, Kind: lens.KindCamera},
		},
		ShortLinks: map[string]string{
			"abcdefg": "https://morilens.party/lens/ABCDEF?exp=1700014400000",
		},
		SavedAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "floppy"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "file driver needs a path")
}

func testStoreRoundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := st.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no snapshot")

	want := sampleSnapshot()
	require.NoError(t, st.Save(ctx, want))

	got, ok, err := st.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Lenses, got.Lenses, "lens order is preserved")
	assert.Equal(t, want.ShortLinks, got.ShortLinks)
	assert.True(t, want.SavedAt.Equal(got.SavedAt))

	// A later save fully replaces the earlier one.
	next := lens.Snapshot{Lenses: want.Lenses[2:], ShortLinks: map[string]string{}, SavedAt: want.SavedAt.Add(time.Minute)}
	require.NoError(t, st.Save(ctx, next))
	got, ok, err = st.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.Lenses, got.Lenses)
	assert.Empty(t, got.ShortLinks)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "lenses.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	testStoreRoundTrip(t, st)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lenses.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, _, err = st.Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lenses.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	testStoreRoundTrip(t, st)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lenses.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, sampleSnapshot()))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, ok, err := st.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Lenses, 3)
}

func TestRegistryOverFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lenses.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	reg := lens.New(nil, st)
	require.NoError(t, reg.Load(ctx))
	_, err = os.Stat(path)
	require.NoError(t, err, "empty snapshot written on first start")

	l, err := reg.CreateLens(ctx, 42, "Front Door", "")
	require.NoError(t, err)
	_, err = reg.ConnectLens(ctx, l.Code, 999)
	require.NoError(t, err)

	again := lens.New(nil, st)
	require.NoError(t, again.Load(ctx))
	got, ok := again.GetLens(l.Code)
	require.True(t, ok)
	assert.Equal(t, int64(999), got.DestinationID)
}
