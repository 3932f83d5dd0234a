package state_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/state"
)

type payload struct {
	Name  string
	Count uint32
	Refs  []string
}

func TestPersistLoadRoundTrip(t *testing.T) {
	req := require.New(t)
	filename := filepath.Join(t.TempDir(), "payload.bin")

	saved := payload{Name: "round", Count: 3, Refs: []string{"a", "b"}}
	req.NoError(state.Persist(filename, &saved))

	var loaded payload
	req.NoError(state.Load(filename, &loaded))
	req.Equal(saved, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	var loaded payload
	err := state.Load(filepath.Join(t.TempDir(), "missing.bin"), &loaded)
	require.Error(t, err)
}

func TestPersistOverwrites(t *testing.T) {
	req := require.New(t)
	filename := filepath.Join(t.TempDir(), "payload.bin")

	req.NoError(state.Persist(filename, &payload{Name: "first"}))
	req.NoError(state.Persist(filename, &payload{Name: "second"}))

	var loaded payload
	req.NoError(state.Load(filename, &loaded))
	req.Equal("second", loaded.Name)
}
