package models

type ArchiveEntry struct {
	FileId     string
	SourcePath string
	EntryPath  string
	Size       int64
}

// ArchiveJob is the resolved, deduplicated file list behind one export. It
// lives for a single request.
type ArchiveJob struct {
	JobId      string
	OwnerId    string
	Entries    []ArchiveEntry
	TotalSize  int64
	TotalFiles int
}

type ArchiveStatus string

const (
	ArchiveStreaming ArchiveStatus = "streaming"
	ArchiveCompleted ArchiveStatus = "completed"
	ArchiveAborted   ArchiveStatus = "aborted"
	ArchiveFailed    ArchiveStatus = "failed"
)

type ArchiveResult struct {
	JobId   string
	Status  ArchiveStatus
	Written int
	Skipped int
	// Corrupt lists entries whose source failed after their bytes started
	// streaming. They are in the archive, cut short.
	Corrupt      []string
	BytesWritten int64
}
