package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func testInput() Input {
	return Input{
		ToolName:   "demo",
		RawContent: "original",
		Metadata:   Metadata{RequestID: "r1", ServerName: "svc", Phase: PhaseResponse},
	}
}

// TestChain_Termination is the scenario 6: echo(1), blocker(2),
// enrich(3); blocker returns continue_:false; enrich never runs.
func TestChain_Termination(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "echo", "read line\necho '{\"text\":\"after-echo\",\"continue\":true,\"metadata\":{\"step\":\"echo\"}}'\n")
	writeScript(t, dir, "blocker", "read line\necho '{\"text\":\"BLOCKED\",\"continue\":false,\"metadata\":{\"step\":\"blocker\"}}'\n")
	enrichMarker := filepath.Join(dir, "enrich.ran")
	writeScript(t, dir, "enrich", "touch "+enrichMarker+"\nread line\necho '{\"text\":\"after-enrich\",\"continue\":true}'\n")

	reg := NewRegistry(dir, "", 10, 2, 2*time.Second)
	defer reg.Close()
	chain := NewChain(reg)
	chain.SetAssignments("svc", PhaseResponse, []Assignment{
		{PluginName: "echo", Order: 1, Enabled: true},
		{PluginName: "blocker", Order: 2, Enabled: true},
		{PluginName: "enrich", Order: 3, Enabled: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := chain.Execute(ctx, "svc", PhaseResponse, testInput())
	require.NoError(t, err)

	assert.Equal(t, "BLOCKED", out.Text)
	assert.False(t, out.Continue_)
	assert.Contains(t, out.Metadata, "echo")
	assert.Contains(t, out.Metadata, "blocker")
	assert.NotContains(t, out.Metadata, "enrich")

	_, statErr := os.Stat(enrichMarker)
	assert.True(t, os.IsNotExist(statErr), "enrich must never execute after blocker stops the chain")
}

func TestChain_DisabledAssignmentsSkipped(t *testing.T) {
	dir := t.TempDir()
	ranMarker := filepath.Join(dir, "disabled.ran")
	writeScript(t, dir, "disabled", "touch "+ranMarker+"\nread line\necho '{\"text\":\"x\",\"continue\":true}'\n")

	reg := NewRegistry(dir, "", 10, 2, time.Second)
	defer reg.Close()
	chain := NewChain(reg)
	chain.SetAssignments("svc", PhaseRequest, []Assignment{
		{PluginName: "disabled", Order: 1, Enabled: false},
	})

	out, err := chain.Execute(context.Background(), "svc", PhaseRequest, testInput())
	require.NoError(t, err)
	assert.Equal(t, "original", out.Text)
	assert.Empty(t, out.Metadata)

	_, statErr := os.Stat(ranMarker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestChain_TimeoutFailsOpen(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "slow", "sleep 5\n")

	reg := NewRegistry(dir, "", 10, 1, time.Second)
	defer reg.Close()
	chain := NewChain(reg)
	timeoutMS := 100
	chain.SetAssignments("svc", PhaseResponse, []Assignment{
		{PluginName: "slow", Order: 1, Enabled: true, TimeoutMS: &timeoutMS},
	})

	out, err := chain.Execute(context.Background(), "svc", PhaseResponse, testInput())
	require.NoError(t, err)
	assert.Equal(t, "original", out.Text)
	assert.True(t, out.Continue_)
}

func TestChain_ExecuteSafeNeverErrors(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, "", 10, 1, time.Second)
	defer reg.Close()
	chain := NewChain(reg)
	chain.SetAssignments("svc", PhaseResponse, []Assignment{
		{PluginName: "does-not-exist", Order: 1, Enabled: true},
	})

	out := chain.ExecuteSafe(context.Background(), "svc", PhaseResponse, testInput())
	assert.Equal(t, "original", out.Text)
	assert.True(t, out.Continue_)
	assert.Empty(t, out.Metadata)
}
