package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pos-terminal/internal/replay"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.jsonl")
	second := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(first, []byte(
		`{"event":"order.created","data":{"order_id":1,"table_number":"2","items":[]}}`+"\n"+
			`{"event":"order.paid","data":{"order_id":1,"items":[]}}`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(second, []byte(
		`{"event":"order.items_added","data":{"order_id":1,"items":[]}}`+"\n"+
			`{"event":"order.created","data":{"order_id":3,"items":[]}}`+"\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, []string{first, second}, replay.Options{}))

	var rep replay.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 4, rep.Lines)
	require.Len(t, rep.Suspects, 1)
	assert.Equal(t, second, rep.Suspects[0].Source)
	require.Len(t, rep.Orders, 2)
	assert.EqualValues(t, "3", rep.Orders[0].ID)
	assert.EqualValues(t, "1", rep.Orders[1].ID)
}

func TestRun_MissingFile(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, []string{filepath.Join(t.TempDir(), "nope.jsonl")}, replay.Options{})
	require.Error(t, err)
	assert.Empty(t, out.String())
}
