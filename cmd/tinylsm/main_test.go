package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runCLI rebuilds the root command fresh for each call (cli.Command is
// not meant to be reused across Run invocations) and captures stdout
// by redirecting os.Stdout for the duration of the call.
func runCLI(t *testing.T, args ...string) string {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	cmd := newRootCommand()
	runErr := cmd.Run(context.Background(), append([]string{"tinylsm"}, args...))
	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	require.NoError(t, runErr)
	return buf.String()
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	runCLI(t, "--dir", dir, "put", "hello", "world")
	out := runCLI(t, "--dir", dir, "get", "hello")
	require.Contains(t, out, "world")
}

func TestDelRemovesKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	runCLI(t, "--dir", dir, "put", "k", "v")
	runCLI(t, "--dir", dir, "del", "k")
	out := runCLI(t, "--dir", dir, "get", "k")
	require.Contains(t, out, "not found")
}

func TestTxnScriptCommits(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	r, w, _ := os.Pipe()
	origStdin := os.Stdin
	os.Stdin = r
	go func() {
		w.WriteString("put a 1\nput b 2\n")
		w.Close()
	}()
	out := runCLI(t, "--dir", dir, "txn")
	os.Stdin = origStdin
	require.Contains(t, out, "COMMIT")

	got := runCLI(t, "--dir", dir, "get", "a")
	require.Contains(t, got, "1")
}

func TestTxnScriptRollback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	r, w, _ := os.Pipe()
	origStdin := os.Stdin
	os.Stdin = r
	go func() {
		w.WriteString("put ghost x\n")
		w.Close()
	}()
	out := runCLI(t, "--dir", dir, "txn", "--rollback")
	os.Stdin = origStdin
	require.Contains(t, out, "ROLLBACK")

	got := runCLI(t, "--dir", dir, "get", "ghost")
	require.Contains(t, got, "not found")
}

func TestStatsRunsWithoutError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	runCLI(t, "--dir", dir, "put", "a", "1")
	out := runCLI(t, "--dir", dir, "stats")
	require.Contains(t, out, "L0:")
}
