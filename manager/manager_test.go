package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noteflow-ai/modelstore/catalog"
	"github.com/noteflow-ai/modelstore/netpolicy"
	"github.com/noteflow-ai/modelstore/store"
	"github.com/noteflow-ai/modelstore/testutil"
	"github.com/noteflow-ai/modelstore/transfer"
	"github.com/noteflow-ai/modelstore/types"
)

// switchableClassifier lets tests flip the link classification mid-test.
type switchableClassifier struct {
	class atomic.Value
}

func newSwitchableClassifier(c netpolicy.Classification) *switchableClassifier {
	s := &switchableClassifier{}
	s.class.Store(c)
	return s
}

func (s *switchableClassifier) Set(c netpolicy.Classification) { s.class.Store(c) }

func (s *switchableClassifier) Classify(context.Context) netpolicy.Classification {
	return s.class.Load().(netpolicy.Classification)
}

// testEnv wires a manager against a local artifact server.
type testEnv struct {
	t          *testing.T
	mgr        *Manager
	srv        *testutil.ArtifactServer
	cat        *catalog.Catalog
	root       string
	classifier *switchableClassifier
	downloader *transfer.Downloader
}

func speechDesc(srvURL, key string, sizeMB int64) types.ArtifactDescriptor {
	return types.ArtifactDescriptor{
		Key:                 key,
		DisplayName:         key,
		RemoteURL:           srvURL + "/" + key,
		DestinationFilename: key + ".bin",
		ExpectedSizeMB:      sizeMB,
		Family:              types.FamilySpeech,
	}
}

// newTestEnv serves a contentSize-byte artifact and tracks three speech
// keys: tiny (1MB advertised), base (50MB), medium (1500MB). The policy
// threshold is 10MB, so base and medium need confirmation on metered
// links.
func newTestEnv(t *testing.T, contentSize int) *testEnv {
	t.Helper()
	return newTestEnvWithCap(t, contentSize, transfer.DefaultConfig().MaxConcurrent)
}

func newTestEnvWithCap(t *testing.T, contentSize int, maxConcurrent int64) *testEnv {
	t.Helper()

	srv := testutil.NewArtifactServer(t, contentSize)
	cat := catalog.New(
		speechDesc(srv.URL, "tiny", 1),
		speechDesc(srv.URL, "base", 50),
		speechDesc(srv.URL, "medium", 1500),
	)
	root := t.TempDir()

	cfg := transfer.DefaultConfig()
	cfg.ProgressInterval = 5 * time.Millisecond
	cfg.MaxConcurrent = maxConcurrent
	env := &testEnv{
		t:          t,
		srv:        srv,
		cat:        cat,
		root:       root,
		classifier: newSwitchableClassifier(netpolicy.Unmetered),
		downloader: transfer.NewDownloader(cfg, nil),
	}
	env.mgr = env.newManager()
	require.NoError(t, env.mgr.Initialize())
	return env
}

func (e *testEnv) newManager() *Manager {
	familyStore, err := store.NewFamilyStore(e.root, types.FamilySpeech, nil)
	require.NoError(e.t, err)
	return New(Options{
		Family:     types.FamilySpeech,
		Catalog:    e.cat,
		Store:      familyStore,
		Downloader: e.downloader,
		Classifier: e.classifier,
		Policy:     netpolicy.Policy{MeteredThresholdMB: 10},
		Logger:     nil,
	})
}

// reopen simulates a process restart: the current manager is closed and a
// fresh one initializes from the same storage root.
func (e *testEnv) reopen() {
	e.t.Helper()
	e.mgr.Close()
	e.mgr = e.newManager()
	require.NoError(e.t, e.mgr.Initialize())
}

func (e *testEnv) waitStatus(key string, want types.DownloadStatus) {
	e.t.Helper()
	testutil.Eventually(e.t, func() bool {
		return e.mgr.State(key).Status == want
	}, 10*time.Second, string(want)+" for "+key)
}

func (e *testEnv) artifactPath(key string) string {
	return filepath.Join(e.root, string(types.FamilySpeech), key+".bin")
}

func (e *testEnv) manifestPath() string {
	return filepath.Join(e.root, string(types.FamilySpeech), "manifest.json")
}

func TestDownload_InstallsAndAutoSelects(t *testing.T) {
	env := newTestEnv(t, 128*1024)

	events, cancel := env.mgr.Subscribe()
	defer cancel()

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)

	// The file is in place with the served content.
	data, err := os.ReadFile(env.artifactPath("tiny"))
	require.NoError(t, err)
	assert.Equal(t, env.srv.Content(), data)

	// First install auto-selects.
	path, ok := env.mgr.CurrentArtifactPath()
	require.True(t, ok)
	assert.Equal(t, env.artifactPath("tiny"), path)

	state := env.mgr.State("tiny")
	assert.Equal(t, 1.0, state.Progress)
	assert.Nil(t, state.LastError)

	// The observed sequence starts Downloading and ends Installed.
	var seen []types.DownloadStatus
	timeout := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != types.StatusInstalled {
		select {
		case ev := <-events:
			if len(seen) == 0 || seen[len(seen)-1] != ev.State.Status {
				seen = append(seen, ev.State.Status)
			}
		case <-timeout:
			t.Fatalf("never observed Installed, saw %v", seen)
		}
	}
	assert.Equal(t, types.StatusDownloading, seen[0])
}

func TestDownload_CollapsesConcurrentCalls(t *testing.T) {
	env := newTestEnv(t, 512*1024)
	env.srv.SetChunkDelay(2 * time.Millisecond)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
		}()
	}
	wg.Wait()
	env.waitStatus("tiny", types.StatusInstalled)

	// Repeated calls while Downloading collapse to one transfer.
	assert.Equal(t, int64(1), env.srv.GetRequests())

	// Installed is also a no-op.
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	assert.Equal(t, int64(1), env.srv.GetRequests())
}

func TestDownload_MeteredPolicy(t *testing.T) {
	env := newTestEnv(t, 64*1024)
	env.classifier.Set(netpolicy.Metered)

	// base advertises 50MB against a 10MB threshold: blocked, no request.
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))

	state := env.mgr.State("base")
	assert.Equal(t, types.StatusNotInstalled, state.Status)
	require.NotNil(t, state.LastError)
	assert.Equal(t, types.ErrPolicyBlocked, state.LastError.Code)
	assert.Zero(t, env.srv.GetRequests())

	// Explicit override proceeds normally.
	require.NoError(t, env.mgr.Download(context.Background(), "base", true))
	env.waitStatus("base", types.StatusInstalled)
	assert.Equal(t, int64(1), env.srv.GetRequests())
	assert.Nil(t, env.mgr.State("base").LastError)
}

func TestDownload_SmallArtifactOnMetered(t *testing.T) {
	env := newTestEnv(t, 64*1024)
	env.classifier.Set(netpolicy.Metered)

	// tiny advertises 1MB, under the threshold: no confirmation needed.
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
}

func TestDownload_NoConnectivity(t *testing.T) {
	env := newTestEnv(t, 64*1024)
	env.classifier.Set(netpolicy.Unreachable)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))

	state := env.mgr.State("tiny")
	assert.Equal(t, types.StatusNotInstalled, state.Status)
	require.NotNil(t, state.LastError)
	assert.Equal(t, types.ErrNoConnectivity, state.LastError.Code)
	assert.True(t, state.LastError.Retryable)
	assert.Zero(t, env.srv.GetRequests())

	// Connectivity back: the same call now succeeds.
	env.classifier.Set(netpolicy.Unmetered)
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
}

func TestPauseResume_ReachesInstalled(t *testing.T) {
	env := newTestEnv(t, 2*1024*1024)
	env.srv.SetChunkDelay(5 * time.Millisecond)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	testutil.Eventually(t, func() bool {
		return env.mgr.State("tiny").Progress > 0
	}, 10*time.Second, "first bytes written")

	require.NoError(t, env.mgr.Pause("tiny"))
	state := env.mgr.State("tiny")
	assert.Equal(t, types.StatusPaused, state.Status)
	assert.Greater(t, state.Progress, 0.0)
	assert.Less(t, state.Progress, 1.0)

	// Paused is idempotent; a second Pause is a no-op.
	require.NoError(t, env.mgr.Pause("tiny"))

	env.srv.SetChunkDelay(0)
	require.NoError(t, env.mgr.Resume(context.Background(), "tiny"))
	env.waitStatus("tiny", types.StatusInstalled)

	data, err := os.ReadFile(env.artifactPath("tiny"))
	require.NoError(t, err)
	assert.Equal(t, env.srv.Content(), data)
}

func TestPause_NotPersistedAcrossRestart(t *testing.T) {
	env := newTestEnv(t, 2*1024*1024)
	env.srv.SetChunkDelay(5 * time.Millisecond)

	events, cancelSub := env.mgr.Subscribe()
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	<-events
	cancelSub()
	require.NoError(t, env.mgr.Pause("tiny"))

	env.reopen()

	// Paused state is in-memory only: after a restart the key reports
	// NotInstalled and the record holds no entry for it.
	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("tiny").Status)
	_, ok := env.mgr.CurrentArtifactPath()
	assert.False(t, ok)
}

func TestCancel_CleansUpAndSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, 2*1024*1024)
	env.srv.SetChunkDelay(5 * time.Millisecond)

	events, cancelSub := env.mgr.Subscribe()
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	<-events
	cancelSub()

	require.NoError(t, env.mgr.Cancel("tiny"))

	state := env.mgr.State("tiny")
	assert.Equal(t, types.StatusNotInstalled, state.Status)
	assert.Zero(t, state.Progress)
	assert.Nil(t, state.LastError)

	// No residual files on disk.
	_, err := os.Stat(env.artifactPath("tiny"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(env.artifactPath("tiny") + transfer.PartSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)

	env.reopen()
	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("tiny").Status)

	// Cancelling an idle key stays a no-op.
	require.NoError(t, env.mgr.Cancel("tiny"))
}

func TestCancel_FromPaused(t *testing.T) {
	env := newTestEnv(t, 2*1024*1024)
	env.srv.SetChunkDelay(5 * time.Millisecond)

	events, cancelSub := env.mgr.Subscribe()
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	<-events
	cancelSub()
	require.NoError(t, env.mgr.Pause("tiny"))

	require.NoError(t, env.mgr.Cancel("tiny"))
	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("tiny").Status)
	_, err := os.Stat(env.artifactPath("tiny") + transfer.PartSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDelete_ReassignsCurrentKey(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))
	env.waitStatus("base", types.StatusInstalled)

	// First install selected tiny.
	key, ok := env.mgr.CurrentKey()
	require.True(t, ok)
	assert.Equal(t, "tiny", key)

	// Deleting the current key moves the selection to the survivor.
	require.NoError(t, env.mgr.Delete("tiny"))
	key, ok = env.mgr.CurrentKey()
	require.True(t, ok)
	assert.Equal(t, "base", key)
	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("tiny").Status)
	_, err := os.Stat(env.artifactPath("tiny"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Deleting the last key clears the selection.
	require.NoError(t, env.mgr.Delete("base"))
	_, ok = env.mgr.CurrentArtifactPath()
	assert.False(t, ok)

	// Deleting a NotInstalled key is a no-op.
	require.NoError(t, env.mgr.Delete("base"))
}

func TestDelete_NonCurrentKeyKeepsSelection(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))
	env.waitStatus("base", types.StatusInstalled)

	require.NoError(t, env.mgr.Delete("base"))
	key, ok := env.mgr.CurrentKey()
	require.True(t, ok)
	assert.Equal(t, "tiny", key)
}

func TestSelectCurrent(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))
	env.waitStatus("base", types.StatusInstalled)

	require.NoError(t, env.mgr.SelectCurrent("base"))
	path, ok := env.mgr.CurrentArtifactPath()
	require.True(t, ok)
	assert.Equal(t, env.artifactPath("base"), path)

	// Selecting a non-installed key is silently rejected.
	require.NoError(t, env.mgr.SelectCurrent("medium"))
	key, _ := env.mgr.CurrentKey()
	assert.Equal(t, "base", key)

	// Selection survives a restart.
	env.reopen()
	key, ok = env.mgr.CurrentKey()
	require.True(t, ok)
	assert.Equal(t, "base", key)
}

func TestInitialize_PrunesMissingFiles(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)

	// Remove the backing file out-of-band and restart.
	require.NoError(t, os.Remove(env.artifactPath("tiny")))
	env.reopen()

	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("tiny").Status)
	_, ok := env.mgr.CurrentArtifactPath()
	assert.False(t, ok)

	// The healed record was persisted: the stale entry is gone from disk.
	raw, err := os.ReadFile(env.manifestPath())
	require.NoError(t, err)
	var doc struct {
		InstalledModels map[string]json.RawMessage `json:"installedModels"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotContains(t, doc.InstalledModels, "tiny")
}

func TestInitialize_CorruptRecordFallsBackEmpty(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, os.WriteFile(env.manifestPath(), []byte("{broken"), 0o644))
	env.reopen()

	for key, state := range env.mgr.States() {
		assert.Equal(t, types.StatusNotInstalled, state.Status, key)
	}
	_, ok := env.mgr.CurrentArtifactPath()
	assert.False(t, ok)
}

func TestInitialize_RestoresInstalledState(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)

	env.reopen()

	state := env.mgr.State("tiny")
	assert.Equal(t, types.StatusInstalled, state.Status)
	assert.Equal(t, 1.0, state.Progress)
	path, ok := env.mgr.CurrentArtifactPath()
	require.True(t, ok)
	assert.Equal(t, env.artifactPath("tiny"), path)
}

func TestFailedDownload_ResumeCompletes(t *testing.T) {
	env := newTestEnv(t, 512*1024)
	env.srv.SetFailAfter(64 * 1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusFailed)

	state := env.mgr.State("tiny")
	require.NotNil(t, state.LastError)
	assert.Equal(t, types.ErrTransferFailed, state.LastError.Code)
	assert.True(t, state.LastError.Resumable)

	// The partial file was preserved; Resume finishes the install.
	env.srv.SetFailAfter(0)
	require.NoError(t, env.mgr.Resume(context.Background(), "tiny"))
	env.waitStatus("tiny", types.StatusInstalled)

	data, err := os.ReadFile(env.artifactPath("tiny"))
	require.NoError(t, err)
	assert.Equal(t, env.srv.Content(), data)
}

func TestFailedDownload_RetryFromScratch(t *testing.T) {
	env := newTestEnv(t, 256*1024)
	env.srv.SetFailAfter(32 * 1024)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusFailed)

	env.srv.SetFailAfter(0)
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)

	data, err := os.ReadFile(env.artifactPath("tiny"))
	require.NoError(t, err)
	assert.Equal(t, env.srv.Content(), data)
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t, 64*1024)

	// Pause needs an in-flight download.
	err := env.mgr.Pause("tiny")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	// Delete needs Installed (NotInstalled no-ops, Downloading errors).
	env.srv.SetChunkDelay(5 * time.Millisecond)
	events, cancelSub := env.mgr.Subscribe()
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	<-events
	cancelSub()
	err = env.mgr.Delete("tiny")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	require.NoError(t, env.mgr.Cancel("tiny"))

	// Cancel from Installed errors.
	env.srv.SetChunkDelay(0)
	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	env.waitStatus("tiny", types.StatusInstalled)
	err = env.mgr.Cancel("tiny")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestUnknownKeyPanics(t *testing.T) {
	env := newTestEnv(t, 1024)
	assert.Panics(t, func() {
		_ = env.mgr.Download(context.Background(), "no-such-key", false)
	})
	assert.Panics(t, func() { env.mgr.State("no-such-key") })
}

func TestDistinctKeysDownloadConcurrently(t *testing.T) {
	env := newTestEnv(t, 256*1024)
	env.srv.SetChunkDelay(2 * time.Millisecond)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))

	testutil.Eventually(t, func() bool {
		return env.srv.GetRequests() == 2
	}, 5*time.Second, "both transfers issued requests")

	env.waitStatus("tiny", types.StatusInstalled)
	env.waitStatus("base", types.StatusInstalled)
}

func TestDownload_SaturatedCapDoesNotBlock(t *testing.T) {
	env := newTestEnvWithCap(t, 1024*1024, 1)
	env.srv.SetChunkDelay(50 * time.Millisecond)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	testutil.Eventually(t, func() bool {
		return env.mgr.State("tiny").Progress > 0
	}, 10*time.Second, "first transfer never moved")

	// The only slot is held by tiny; starting base must return right away
	// with the key downloading at zero progress.
	start := time.Now()
	require.NoError(t, env.mgr.Download(context.Background(), "base", false))
	require.Less(t, time.Since(start), time.Second)

	st := env.mgr.State("base")
	assert.Equal(t, types.StatusDownloading, st.Status)
	assert.Zero(t, st.Progress)

	// Once the slot frees, the queued transfer runs to completion.
	env.srv.SetChunkDelay(0)
	env.waitStatus("tiny", types.StatusInstalled)
	env.waitStatus("base", types.StatusInstalled)
}

func TestCancel_WhileWaitingForTransferSlot(t *testing.T) {
	env := newTestEnvWithCap(t, 1024*1024, 1)
	env.srv.SetChunkDelay(50 * time.Millisecond)

	require.NoError(t, env.mgr.Download(context.Background(), "tiny", false))
	testutil.Eventually(t, func() bool {
		return env.mgr.State("tiny").Progress > 0
	}, 10*time.Second, "first transfer never moved")

	require.NoError(t, env.mgr.Download(context.Background(), "base", false))
	require.NoError(t, env.mgr.Cancel("base"))
	assert.Equal(t, types.StatusNotInstalled, env.mgr.State("base").Status)
	assert.NoFileExists(t, env.artifactPath("base")+transfer.PartSuffix)

	// The cancelled queue entry never consumed the slot.
	env.srv.SetChunkDelay(0)
	env.waitStatus("tiny", types.StatusInstalled)
}
