// Package manager owns the per-family artifact lifecycle: it drives the
// transfer primitive under network policy, keeps the in-memory state
// machine for every catalog key, and persists install/selection facts to
// the durable record.
//
// States per key: NotInstalled -> Downloading -> {Paused, Installed,
// Failed}; Paused -> {Downloading, NotInstalled}; Failed -> Downloading;
// Installed -> NotInstalled. Only Installed and the current selection are
// durable; Paused and Failed never survive a restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noteflow-ai/modelstore/catalog"
	"github.com/noteflow-ai/modelstore/internal/metrics"
	"github.com/noteflow-ai/modelstore/netpolicy"
	"github.com/noteflow-ai/modelstore/store"
	"github.com/noteflow-ai/modelstore/transfer"
	"github.com/noteflow-ai/modelstore/types"
)

// keyState is the in-memory lifecycle state of one catalog key. status,
// lastErr, handle, and token are guarded by the manager mutex; progress is
// atomic because transfer callbacks update it while lifecycle operations
// hold the mutex.
type keyState struct {
	status    types.DownloadStatus
	lastErr   *types.Error
	handle    *transfer.Handle
	token     *transfer.ResumeToken
	startedAt time.Time
	progress  atomic.Uint64 // float64 bits
}

func (ks *keyState) setProgress(p float64) {
	ks.progress.Store(math.Float64bits(p))
}

func (ks *keyState) getProgress() float64 {
	return math.Float64frombits(ks.progress.Load())
}

// Manager is the artifact lifecycle manager for one family. All exported
// methods are safe for concurrent use; operations on the same key
// serialize through the state machine (a second Download of a Downloading
// key is a no-op), while distinct keys transfer independently.
type Manager struct {
	family     types.Family
	catalog    *catalog.Catalog
	store      *store.FamilyStore
	downloader *transfer.Downloader
	classifier netpolicy.Classifier
	policy     netpolicy.Policy
	collector  *metrics.Collector
	logger     *zap.Logger

	mu          sync.Mutex
	states      map[string]*keyState
	record      store.Record
	initialized bool

	observers *observerHub
}

// Options wires a Manager's collaborators.
type Options struct {
	Family     types.Family
	Catalog    *catalog.Catalog
	Store      *store.FamilyStore
	Downloader *transfer.Downloader
	Classifier netpolicy.Classifier
	Policy     netpolicy.Policy
	Collector  *metrics.Collector
	Logger     *zap.Logger
}

// New creates a Manager. Call Initialize before any other operation.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		family:     opts.Family,
		catalog:    opts.Catalog,
		store:      opts.Store,
		downloader: opts.Downloader,
		classifier: opts.Classifier,
		policy:     opts.Policy,
		collector:  opts.Collector,
		logger: logger.With(
			zap.String("component", "artifact_manager"),
			zap.String("family", string(opts.Family)),
		),
		states:    make(map[string]*keyState),
		record:    store.NewRecord(),
		observers: newObserverHub(),
	}
}

// Family returns the family this manager owns.
func (m *Manager) Family() types.Family { return m.family }

// Initialize loads the durable record, reconciles it against the
// filesystem, and seeds the in-memory state for every catalog key of the
// family. Installed entries whose backing file vanished are silently
// pruned; a corrupt record falls back to empty. Idempotent.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.store.Load()
	rec, pruned := m.store.Reconcile(rec)
	if pruned || m.store.Corrupt() {
		// Persist the healed record so stale entries do not reappear.
		if err := m.store.Save(rec.Clone()); err != nil {
			return fmt.Errorf("save reconciled record: %w", err)
		}
	}
	m.record = rec

	m.states = make(map[string]*keyState)
	for _, desc := range m.catalog.Enumerate(m.family) {
		ks := &keyState{status: types.StatusNotInstalled}
		if _, installed := rec.InstalledModels[desc.Key]; installed {
			ks.status = types.StatusInstalled
			ks.setProgress(1)
		}
		m.states[desc.Key] = ks
	}
	m.initialized = true

	if m.collector != nil {
		m.collector.SetInstalled(string(m.family), len(rec.InstalledModels))
	}
	m.logger.Info("manager initialized",
		zap.Int("installed", len(rec.InstalledModels)),
		zap.Stringp("current", rec.CurrentModel),
	)
	return nil
}

// state returns the tracked state for key, panicking on a key that is not
// in this family's catalog: the catalog is compiled in, so an unknown key
// is a bug in the caller.
func (m *Manager) state(key string) *keyState {
	ks, ok := m.states[key]
	if !ok {
		desc := m.catalog.MustGet(key)
		panic(fmt.Sprintf("artifact %q belongs to family %q, not %q", key, desc.Family, m.family))
	}
	return ks
}

// State returns the current download state of key.
func (m *Manager) State(key string) types.DownloadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.state(key)
	return types.DownloadState{
		Status:    ks.status,
		Progress:  ks.getProgress(),
		LastError: ks.lastErr,
	}
}

// States returns a snapshot of every key's state.
func (m *Manager) States() map[string]types.DownloadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.DownloadState, len(m.states))
	for key, ks := range m.states {
		out[key] = types.DownloadState{
			Status:    ks.status,
			Progress:  ks.getProgress(),
			LastError: ks.lastErr,
		}
	}
	return out
}

// CurrentKey returns the family's selected key, if any.
func (m *Manager) CurrentKey() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record.CurrentModel == nil {
		return "", false
	}
	return *m.record.CurrentModel, true
}

// CurrentArtifactPath returns the local path of the currently selected
// artifact. It never returns a path for a key that is not Installed.
func (m *Manager) CurrentArtifactPath() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record.CurrentModel == nil {
		return "", false
	}
	installed, ok := m.record.InstalledModels[*m.record.CurrentModel]
	if !ok {
		return "", false
	}
	return installed.Path, true
}

// Subscribe registers an observer of state events. The returned cancel
// function must be called to release the channel. Slow observers drop
// events; they never stall a transfer.
func (m *Manager) Subscribe() (<-chan StateEvent, func()) {
	return m.observers.subscribe()
}

// Close cancels any in-flight transfer, leaving partial files for a later
// resume-from-scratch, and drops all observers.
func (m *Manager) Close() {
	m.mu.Lock()
	var handles []*transfer.Handle
	for _, ks := range m.states {
		if ks.handle != nil {
			handles = append(handles, ks.handle)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		// Pause rather than cancel: the partial file stays usable.
		if _, err := h.Pause(); err != nil && !errors.Is(err, types.ErrTransferClosed) {
			m.logger.Warn("pausing transfer on close failed", zap.Error(err))
		}
	}
	m.observers.closeAll()
}

// emit publishes the state of key to observers. Callers need not hold the
// mutex; the snapshot is taken under it.
func (m *Manager) emit(key string) {
	m.observers.publish(StateEvent{Family: m.family, Key: key, State: m.State(key)})
}

// Download starts installing key. It is a no-op when the key is already
// Downloading, Paused (use Resume), or Installed. Policy denials are a
// steady-state condition, not an error: they set LastError and return nil
// without touching the network. Errors starting the transfer itself are
// recorded and returned.
func (m *Manager) Download(ctx context.Context, key string, override bool) error {
	desc := m.descriptor(key)

	// Classify outside the state lock: the probe is network I/O.
	class := m.classifier.Classify(ctx)
	decision := m.policy.Decide(desc, class, override)

	m.mu.Lock()
	ks := m.state(key)
	switch ks.status {
	case types.StatusDownloading, types.StatusPaused, types.StatusInstalled:
		m.mu.Unlock()
		return nil
	}

	if perr := netpolicy.DecisionError(decision); perr != nil {
		ks.lastErr = perr
		m.mu.Unlock()
		m.logger.Info("download gated by network policy",
			zap.String("key", key),
			zap.String("decision", string(decision)),
			zap.String("classification", string(class)),
		)
		m.emit(key)
		return nil
	}

	ks.status = types.StatusDownloading
	ks.lastErr = nil
	ks.token = nil
	ks.setProgress(0)
	ks.startedAt = time.Now()
	m.mu.Unlock()
	m.emit(key)

	dest := m.store.ArtifactPath(desc)
	handle, err := m.downloader.Start(ctx, desc.RemoteURL, dest, desc.ExpectedSizeBytes(), m.progressFn(key, desc))
	return m.afterLaunch(key, handle, err)
}

// Resume continues a paused download from its resume token. Valid from
// Paused, and from Failed when the failure preserved a partial file; any
// other state is a no-op.
func (m *Manager) Resume(ctx context.Context, key string) error {
	desc := m.descriptor(key)

	m.mu.Lock()
	ks := m.state(key)
	resumable := ks.status == types.StatusPaused ||
		(ks.status == types.StatusFailed && ks.token != nil)
	if !resumable || ks.token == nil {
		m.mu.Unlock()
		return nil
	}
	token := ks.token
	ks.status = types.StatusDownloading
	ks.lastErr = nil
	ks.startedAt = time.Now()
	m.mu.Unlock()
	m.emit(key)

	handle, err := m.downloader.Resume(ctx, token, m.progressFn(key, desc))
	return m.afterLaunch(key, handle, err)
}

// afterLaunch records the transfer handle, or the classified launch
// failure, and spawns the completion waiter.
func (m *Manager) afterLaunch(key string, handle *transfer.Handle, err error) error {
	m.mu.Lock()
	ks := m.state(key)
	if err != nil {
		ks.status = types.StatusFailed
		ks.lastErr = asStoreError(err)
		m.mu.Unlock()
		m.emit(key)
		if m.collector != nil {
			m.collector.TransferFailed(string(m.family), string(types.GetErrorCode(err)))
		}
		return err
	}
	if ks.status != types.StatusDownloading {
		// Cancelled while the transfer was being set up.
		m.mu.Unlock()
		if err := handle.Cancel(); errors.Is(err, types.ErrTransferClosed) {
			_ = removeFile(m.store.ArtifactPath(m.catalog.MustGet(key)))
		}
		return nil
	}
	ks.handle = handle
	started := ks.startedAt
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.TransferStarted(string(m.family))
	}
	go m.await(key, handle, started)
	return nil
}

// progressFn streams transfer progress into the key's state. The callback
// must never take the manager mutex: Pause and Cancel hold it while
// waiting for the transfer goroutine to stop, and that goroutine may be
// inside this callback. Progress therefore lives in an atomic and the
// event is published directly.
func (m *Manager) progressFn(key string, desc types.ArtifactDescriptor) transfer.Progress {
	m.mu.Lock()
	ks := m.state(key)
	m.mu.Unlock()
	expected := desc.ExpectedSizeBytes()

	return func(written, reported int64) {
		total := reported
		if total <= 0 {
			total = expected
		}
		if total <= 0 {
			return
		}
		p := float64(written) / float64(total)
		if p > 1 {
			p = 1
		}
		ks.setProgress(p)
		m.observers.publish(StateEvent{
			Family: m.family,
			Key:    key,
			State:  types.DownloadState{Status: types.StatusDownloading, Progress: p},
		})
	}
}

// await handles the terminal outcome of one transfer. Pause and Cancel
// outcomes are handled synchronously by their initiators and ignored
// here.
func (m *Manager) await(key string, handle *transfer.Handle, started time.Time) {
	path, err := handle.Wait()
	switch {
	case err == nil:
		m.completeInstall(key, path, handle.Written(), time.Since(started))
	case errors.Is(err, transfer.ErrPaused), errors.Is(err, transfer.ErrCancelled):
		return
	default:
		m.failDownload(key, handle, err)
	}
}

func (m *Manager) completeInstall(key, path string, bytes int64, elapsed time.Duration) {
	m.mu.Lock()
	ks := m.state(key)
	ks.status = types.StatusInstalled
	ks.setProgress(1)
	ks.lastErr = nil
	ks.handle = nil
	ks.token = nil

	m.record.InstalledModels[key] = types.InstalledArtifact{
		Path:        path,
		InstalledAt: time.Now().UnixMilli(),
	}
	// First install of the family becomes the selection.
	if m.record.CurrentModel == nil {
		current := key
		m.record.CurrentModel = &current
	}
	rec := m.record.Clone()
	installed := len(m.record.InstalledModels)
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		// The artifact is on disk and usable; the record heals on the
		// next save. Surface the condition without failing the install.
		m.logger.Warn("persisting durable record failed", zap.String("key", key), zap.Error(err))
	}
	if m.collector != nil {
		m.collector.TransferCompleted(string(m.family), bytes, elapsed)
		m.collector.SetInstalled(string(m.family), installed)
	}
	m.logger.Info("artifact installed",
		zap.String("key", key),
		zap.String("path", path),
		zap.Int64("bytes", bytes),
		zap.Duration("elapsed", elapsed),
	)
	m.emit(key)
}

func (m *Manager) failDownload(key string, handle *transfer.Handle, err error) {
	serr := asStoreError(err)

	m.mu.Lock()
	ks := m.state(key)
	ks.status = types.StatusFailed
	ks.lastErr = serr
	ks.handle = nil
	if serr.Resumable {
		// The primitive preserved the partial file; keep resume capability
		// for the next Download/Resume.
		desc := m.catalog.MustGet(key)
		ks.token = &transfer.ResumeToken{
			ID:     handle.ID(),
			URL:    desc.RemoteURL,
			Dest:   m.store.ArtifactPath(desc),
			Offset: handle.Written(),
		}
	} else {
		ks.token = nil
	}
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.TransferFailed(string(m.family), string(serr.Code))
	}
	m.logger.Warn("download failed", zap.String("key", key), zap.Error(serr))
	m.emit(key)
}

// Pause suspends an in-flight download, preserving the partial file and a
// resume token. Only valid from Downloading; Paused is a no-op and any
// other state reports an invalid transition.
func (m *Manager) Pause(key string) error {
	m.mu.Lock()
	ks := m.state(key)
	if ks.status == types.StatusPaused {
		m.mu.Unlock()
		return nil
	}
	if ks.status != types.StatusDownloading || ks.handle == nil {
		status := ks.status
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot pause %q from state %s", key, status))
	}
	handle := ks.handle

	// Pause blocks until the transfer goroutine stops writing; its
	// progress callbacks do not take this mutex, so holding it is safe.
	token, err := handle.Pause()
	if err != nil {
		// The transfer finished before the pause landed; the waiter
		// goroutine owns the terminal transition.
		m.mu.Unlock()
		return nil
	}
	ks.status = types.StatusPaused
	ks.handle = nil
	ks.token = token
	m.mu.Unlock()

	m.logger.Info("download paused", zap.String("key", key), zap.Int64("offset", token.Offset))
	m.emit(key)
	return nil
}

// Cancel aborts an in-flight or paused download, removing any partial
// file. Valid from Downloading or Paused; NotInstalled is a no-op.
func (m *Manager) Cancel(key string) error {
	desc := m.descriptor(key)

	m.mu.Lock()
	ks := m.state(key)
	switch ks.status {
	case types.StatusNotInstalled:
		m.mu.Unlock()
		return nil
	case types.StatusDownloading:
		handle := ks.handle
		m.mu.Unlock()
		if handle != nil {
			// Blocks until the partial file is removed and the key is
			// free for a fresh download.
			if err := handle.Cancel(); err != nil {
				if errors.Is(err, types.ErrTransferClosed) {
					// The transfer completed before the cancel landed;
					// the install stands.
					return nil
				}
				return asStoreError(err)
			}
		}
		m.mu.Lock()
	case types.StatusPaused, types.StatusFailed:
		removePartial(m.store.ArtifactPath(desc))
	default:
		status := ks.status
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot cancel %q from state %s", key, status))
	}

	ks.status = types.StatusNotInstalled
	ks.lastErr = nil
	ks.handle = nil
	ks.token = nil
	ks.setProgress(0)
	m.mu.Unlock()

	m.logger.Info("download cancelled", zap.String("key", key))
	m.emit(key)
	return nil
}

// Delete removes an installed artifact's file and record entry. If the
// key was the family's selection, the selection moves to another installed
// key, or clears when none remains. Only valid from Installed;
// NotInstalled is a no-op.
func (m *Manager) Delete(key string) error {
	desc := m.descriptor(key)

	m.mu.Lock()
	ks := m.state(key)
	if ks.status == types.StatusNotInstalled {
		m.mu.Unlock()
		return nil
	}
	if ks.status != types.StatusInstalled {
		status := ks.status
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot delete %q from state %s", key, status))
	}

	if installed, ok := m.record.InstalledModels[key]; ok {
		if err := removeFile(installed.Path); err != nil {
			m.mu.Unlock()
			return asStoreError(err)
		}
		delete(m.record.InstalledModels, key)
	}
	if m.record.CurrentModel != nil && *m.record.CurrentModel == key {
		m.record.CurrentModel = nextSelection(m.record.InstalledModels)
	}

	ks.status = types.StatusNotInstalled
	ks.lastErr = nil
	ks.setProgress(0)
	rec := m.record.Clone()
	installedCount := len(m.record.InstalledModels)
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		m.logger.Warn("persisting durable record failed", zap.String("key", key), zap.Error(err))
	}
	if m.collector != nil {
		m.collector.SetInstalled(string(m.family), installedCount)
	}
	m.logger.Info("artifact deleted", zap.String("key", key), zap.String("path", m.store.ArtifactPath(desc)))
	m.emit(key)
	return nil
}

// SelectCurrent makes key the family's current selection and persists it.
// Selecting a key that is not Installed is silently rejected.
func (m *Manager) SelectCurrent(key string) error {
	m.descriptor(key)

	m.mu.Lock()
	ks := m.state(key)
	if ks.status != types.StatusInstalled {
		m.mu.Unlock()
		return nil
	}
	if m.record.CurrentModel != nil && *m.record.CurrentModel == key {
		m.mu.Unlock()
		return nil
	}
	current := key
	m.record.CurrentModel = &current
	rec := m.record.Clone()
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	m.logger.Info("current artifact selected", zap.String("key", key))
	return nil
}

// descriptor resolves key against the catalog and asserts it belongs to
// this manager's family. Both failures are programming errors.
func (m *Manager) descriptor(key string) types.ArtifactDescriptor {
	desc := m.catalog.MustGet(key)
	if desc.Family != m.family {
		panic(fmt.Sprintf("artifact %q belongs to family %q, not %q", key, desc.Family, m.family))
	}
	return desc
}

// nextSelection picks a deterministic replacement selection from the
// remaining installed keys, or nil when none remain.
func nextSelection(installed map[string]types.InstalledArtifact) *string {
	if len(installed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(installed))
	for k := range installed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &keys[0]
}

// asStoreError coerces any error into the structured taxonomy.
func asStoreError(err error) *types.Error {
	var serr *types.Error
	if errors.As(err, &serr) {
		return serr
	}
	return types.NewError(types.ErrTransferFailed, "download failed").WithCause(err).WithRetryable(true)
}
