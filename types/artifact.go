package types

// Family groups artifacts that share one current-selection slot.
type Family string

const (
	FamilySpeech   Family = "speech"
	FamilyLanguage Family = "language"
)

// Families lists every family known at build time.
func Families() []Family {
	return []Family{FamilySpeech, FamilyLanguage}
}

// ArtifactDescriptor describes one downloadable artifact. Descriptors are
// compiled into the client and never created at runtime.
type ArtifactDescriptor struct {
	Key                 string `json:"key" yaml:"key"`
	DisplayName         string `json:"display_name" yaml:"display_name"`
	RemoteURL           string `json:"remote_url" yaml:"remote_url"`
	DestinationFilename string `json:"destination_filename" yaml:"destination_filename"`
	ExpectedSizeMB      int64  `json:"expected_size_mb" yaml:"expected_size_mb"`
	Description         string `json:"description,omitempty" yaml:"description,omitempty"`
	Family              Family `json:"family" yaml:"family"`
}

// ExpectedSizeBytes returns the advertised size in bytes.
func (d ArtifactDescriptor) ExpectedSizeBytes() int64 {
	return d.ExpectedSizeMB * 1024 * 1024
}

// InstalledArtifact records one fully downloaded artifact. The JSON field
// names are the durable record wire format and must not change.
type InstalledArtifact struct {
	Path        string `json:"path"`
	InstalledAt int64  `json:"installedAt"`
}

// DownloadStatus is the lifecycle state of one (family, key) pair.
type DownloadStatus string

const (
	StatusNotInstalled DownloadStatus = "not_installed"
	StatusDownloading  DownloadStatus = "downloading"
	StatusPaused       DownloadStatus = "paused"
	StatusInstalled    DownloadStatus = "installed"
	StatusFailed       DownloadStatus = "failed"
)

// IsActive reports whether a transfer is in flight or suspended.
func (s DownloadStatus) IsActive() bool {
	return s == StatusDownloading || s == StatusPaused
}

// DownloadState is the in-memory, per-key view exposed to observers. It is
// never persisted; Paused does not survive a restart.
type DownloadState struct {
	Status    DownloadStatus `json:"status"`
	Progress  float64        `json:"progress"`
	LastError *Error         `json:"last_error,omitempty"`
}
