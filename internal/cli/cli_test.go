package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dataDir string, args ...string) []byte {
	t.Helper()
	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	RootCmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	require.NoError(t, RootCmd.Execute(), errOut.String())
	return out.Bytes()
}

func TestCLI_PutSearchRecentRm(t *testing.T) {
	dir := t.TempDir()

	var put result
	require.NoError(t, json.Unmarshal(run(t, dir, "put", "--tags", "go,testing", "table", "driven", "tests"), &put))
	require.True(t, put.Success)
	require.NotEmpty(t, put.ID)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal(run(t, dir, "search", "table tests"), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, put.ID, hits[0]["id"])
	assert.Equal(t, "table driven tests", hits[0]["content"])

	ids := run(t, dir, "recent", "--ids-only")
	assert.Equal(t, put.ID+"\n", string(ids))

	var rm result
	require.NoError(t, json.Unmarshal(run(t, dir, "rm", put.ID), &rm))
	assert.True(t, rm.Success)
	assert.Equal(t, put.ID, rm.ID)

	assert.Equal(t, "[]\n", string(run(t, dir, "search", "--keyword", "table")))
	assert.FileExists(t, filepath.Join(dir, "memory.db"))
	assert.FileExists(t, filepath.Join(dir, "index.bin"))
}

func TestCLI_StatsAndMaintain(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "put", "--tags", "", "first", "memory")
	run(t, dir, "put", "second", "memory")

	var st statsOutput
	require.NoError(t, json.Unmarshal(run(t, dir, "stats"), &st))
	assert.Equal(t, 2, st.Memory.Total)
	assert.Equal(t, 2, st.Index.Live)
	assert.Equal(t, 2, st.DB.TotalMemories)

	var m struct {
		Success bool `json:"success"`
		Jobs    []struct {
			Name string `json:"name"`
			Runs int64  `json:"runs"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(run(t, dir, "maintain"), &m))
	assert.True(t, m.Success)
	require.Len(t, m.Jobs, 5)
	for _, j := range m.Jobs {
		assert.Equal(t, int64(1), j.Runs, j.Name)
	}
}

func TestCLI_ConfigShow(t *testing.T) {
	dir := t.TempDir()
	out := run(t, dir, "config", "show")
	assert.Contains(t, string(out), "data_dir: "+dir)
	assert.Contains(t, string(out), "provider: hash")
}
