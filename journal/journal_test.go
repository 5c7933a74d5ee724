package journal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	first, err := j.Record(Run{HasChanges: true, Manifest: json.RawMessage(`{"world":"0x01"}`)})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)

	second, err := j.Record(Run{Error: "init failed"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	runs, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first: V7 ids sort chronologically
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, "init failed", runs[0].Error)
	assert.False(t, runs[0].HasChanges)
	assert.Empty(t, runs[0].Manifest)
	assert.Equal(t, first, runs[1].ID)
	assert.True(t, runs[1].HasChanges)
	assert.Empty(t, runs[1].Error)
	assert.JSONEq(t, `{"world":"0x01"}`, string(runs[1].Manifest))
	assert.WithinDuration(t, time.Now(), runs[0].Time, time.Minute)

	limited, err := j.List(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second, limited[0].ID)

	last, ok, err := j.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, last.ID)
}

func TestExplicitIDAndTime(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	id := uuid.New()
	when := time.Unix(1700000000, 42)
	stored, err := j.Record(Run{ID: id, Time: when})
	require.NoError(t, err)
	assert.Equal(t, id, stored)

	runs, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, when.UnixNano(), runs[0].Time.UnixNano())
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	id, err := j.Record(Run{HasChanges: true})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	last, ok, err := j.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, last.ID)
	assert.True(t, last.HasChanges)
}

func TestEmptyAndClosed(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := j.Last()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // idempotent

	_, err = j.Record(Run{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.List(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeRun([]byte("not a journal entry"))
	assert.ErrorIs(t, err, ErrBadEntry)
	_, err = decodeRun(nil)
	assert.ErrorIs(t, err, ErrBadEntry)
}

func TestCollector(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	_, err = j.Record(Run{})
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(j.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "journal_pebble_memtable_size_bytes")
	assert.Contains(t, names, "journal_pebble_disk_usage_bytes")
}
