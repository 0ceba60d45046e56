package store

import "time"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run records one reconcile execution against a target root
type Run struct {
	ID               int64
	UID              string // externally visible run ID
	Root             string // absolute target root
	Mode             string // "apply", "verify", "retry"
	ManifestLocation string
	ManifestVersion  string
	Provider         string
	StartTime        time.Time
	EndTime          time.Time
	FilesAdded       int
	FilesUpdated     int
	FilesSkipped     int
	FilesFailed      int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed", "cancelled"
	ErrorMessage     string
}

// FileRecord tracks a file last written by a run
type FileRecord struct {
	ID        int64
	Root      string
	Path      string // manifest path, relative to root
	Size      int64
	Hash      string // "algo:hex"
	Source    string
	AppliedAt time.Time
	RunID     int64
}

// FailedFileRecord is a dead letter queue entry
type FailedFileRecord struct {
	ID           int64
	Root         string
	FilePath     string
	Source       string
	ExpectedHash string
	ExpectedSize int64
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
