package history_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/history"
	"github.com/fedmesh/cotrain/types"
)

func openDB(t *testing.T) *history.Database {
	t.Helper()
	db, err := history.NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestDatabase_AddGetRoundTrip(t *testing.T) {
	req := require.New(t)
	db := openDB(t)

	record := history.Record{
		ID:                 "17",
		ProjectName:        "mnist-demo",
		DatasetManifestRef: "mem://rounds/abc",
		ModelRef:           "mem://rounds/def",
		ChunkCount:         3,
		CreatedAt:          "2026-08-29T10:00:00Z",
		Status:             history.StatusInitialized,
	}
	req.NoError(db.Add(record))

	got, err := db.GetRecord("17")
	req.NoError(err)
	req.Equal(record, got)

	all, err := db.Get()
	req.NoError(err)
	req.Equal([]history.Record{record}, all)
}

func TestDatabase_GetRecordMissing(t *testing.T) {
	db := openDB(t)
	_, err := db.GetRecord("nope")
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestDatabase_Update(t *testing.T) {
	req := require.New(t)
	db := openDB(t)

	req.NoError(db.Add(history.Record{ID: "5", Status: history.StatusInitialized}))
	req.NoError(db.Update("5", func(r *history.Record) {
		r.Status = history.StatusCompleted
		r.ResultRef = "mem://rounds/result"
	}))

	got, err := db.GetRecord("5")
	req.NoError(err)
	req.Equal(history.StatusCompleted, got.Status)
	req.Equal("mem://rounds/result", got.ResultRef)

	req.ErrorIs(db.Update("missing", func(*history.Record) {}), history.ErrNotFound)
}

func TestDatabase_Logs(t *testing.T) {
	req := require.New(t)
	db := openDB(t)

	entries, err := db.GetLogs("9")
	req.NoError(err)
	req.Empty(entries)

	first := types.LogEntry{Content: "epoch 1", Timestamp: "100.1"}
	second := types.LogEntry{Content: "epoch 2", Timestamp: "100.2"}
	req.NoError(db.AppendLog("9", first))
	req.NoError(db.AppendLog("9", second))

	entries, err = db.GetLogs("9")
	req.NoError(err)
	req.Equal([]types.LogEntry{first, second}, entries)
}

func TestDatabase_DeleteRemovesRecordAndLogs(t *testing.T) {
	req := require.New(t)
	db := openDB(t)

	req.NoError(db.Add(history.Record{ID: "3"}))
	req.NoError(db.AppendLog("3", types.LogEntry{Content: "x", Timestamp: "1"}))
	req.NoError(db.Delete("3"))

	_, err := db.GetRecord("3")
	req.ErrorIs(err, history.ErrNotFound)

	entries, err := db.GetLogs("3")
	req.NoError(err)
	req.Empty(entries)
}

func TestDatabase_SurvivesReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	db, err := history.NewDatabase(dir)
	req.NoError(err)
	req.NoError(db.Add(history.Record{ID: "1", Status: history.StatusRunning}))
	req.NoError(db.Close())

	db, err = history.NewDatabase(dir)
	req.NoError(err)
	defer db.Close()

	got, err := db.GetRecord("1")
	req.NoError(err)
	req.Equal(history.StatusRunning, got.Status)
}
