package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noteflow-ai/modelstore/testutil"
	"github.com/noteflow-ai/modelstore/transfer"
)

// writeFixture lays down a config file and a catalog overlay pointing the
// "tiny" artifact at srv. Returns the config path and the storage root.
func writeFixture(t *testing.T, srv *testutil.ArtifactServer) (cfgPath, root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "models")

	overlay := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte(fmt.Sprintf(
		"artifacts:\n  - key: tiny\n    remote_url: %s/tiny\n", srv.URL)), 0o644))

	cfgPath = filepath.Join(dir, "modelstore.yaml")
	doc := fmt.Sprintf(`storage:
  root: %s
  catalog_overlay: %s
network:
  probe_url: %s
transfer:
  progress_interval: 10ms
log:
  level: error
`, root, overlay, srv.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))
	return cfgPath, root
}

func runCLI(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestDownloadCommand_Installs(t *testing.T) {
	srv := testutil.NewArtifactServer(t, 64*1024)
	cfgPath, root := writeFixture(t, srv)

	out, err := runCLI(context.Background(), "download", "tiny", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "tiny installed")

	data, err := os.ReadFile(filepath.Join(root, "speech", "ggml-tiny.bin"))
	require.NoError(t, err)
	assert.Equal(t, srv.Content(), data)
}

func TestDownloadCommand_UnknownKey(t *testing.T) {
	srv := testutil.NewArtifactServer(t, 1024)
	cfgPath, _ := writeFixture(t, srv)

	_, err := runCLI(context.Background(), "download", "nope", "--config", cfgPath)
	assert.ErrorContains(t, err, "unknown artifact")
}

func TestDownloadCommand_InterruptCancelsCleanly(t *testing.T) {
	srv := testutil.NewArtifactServer(t, 1024*1024)
	srv.SetChunkDelay(20 * time.Millisecond)
	cfgPath, root := writeFixture(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCLI(ctx, "download", "tiny", "--config", cfgPath)
		done <- result{out, err}
	}()

	dest := filepath.Join(root, "speech", "ggml-tiny.bin")
	part := dest + transfer.PartSuffix
	testutil.Eventually(t, func() bool {
		info, err := os.Stat(part)
		return err == nil && info.Size() > 0
	}, 10*time.Second, "transfer never wrote partial data")
	cancel()

	res := <-done
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "cancelled")
	assert.NoFileExists(t, part)
	assert.NoFileExists(t, dest)
}

func TestListCommand_ShowsInstallState(t *testing.T) {
	srv := testutil.NewArtifactServer(t, 16*1024)
	cfgPath, _ := writeFixture(t, srv)

	_, err := runCLI(context.Background(), "download", "tiny", "--config", cfgPath)
	require.NoError(t, err)

	out, err := runCLI(context.Background(), "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "tiny")
	assert.Contains(t, out, "installed")
	assert.Contains(t, out, "*")
}
