package models

import (
	"fmt"
	"time"
)

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

type SessionState string

const (
	StateInitiated SessionState = "initiated"
	StateActive    SessionState = "active"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

func (s SessionState) String() string {
	return string(s)
}

// Terminal states are immutable once reached.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(s); st {
	case StateInitiated, StateActive, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// ChunkAcceptingStates lists the states a chunk may be recorded in.
func ChunkAcceptingStates(d Direction) []SessionState {
	if d == DirectionUpload {
		return []SessionState{StateInitiated, StateActive}
	}
	return []SessionState{StateActive}
}

// TransferSession is the persisted record of one chunked upload or download.
// Chunk descriptors are stored next to it, never inside this struct's
// serialized form, so that recording a chunk does not rewrite the session.
type TransferSession struct {
	SessionId    string       `dynamodbav:"session_id" json:"session_id"`
	OwnerId      string       `dynamodbav:"owner_id" json:"owner_id"`
	Direction    Direction    `dynamodbav:"direction" json:"direction"`
	ResourceName string       `dynamodbav:"resource_name" json:"resource_name"`
	DeclaredSize int64        `dynamodbav:"declared_size" json:"declared_size"`
	ChunkSize    int64        `dynamodbav:"chunk_size" json:"chunk_size"`
	TotalChunks  uint32       `dynamodbav:"total_chunks" json:"total_chunks"`
	State        SessionState `dynamodbav:"state" json:"state"`

	CreatedAt   time.Time  `dynamodbav:"created_at" json:"created_at"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `dynamodbav:"expires_at,unixtime" json:"expires_at"`

	// upload only
	StagingPath       string     `dynamodbav:"staging_path,omitempty" json:"staging_path,omitempty"`
	FinalArtifactId   string     `dynamodbav:"final_artifact_id,omitempty" json:"final_artifact_id,omitempty"`
	ContentHash       string     `dynamodbav:"content_hash,omitempty" json:"content_hash,omitempty"`
	AssemblyClaimedAt *time.Time `dynamodbav:"assembly_claimed_at,omitempty" json:"assembly_claimed_at,omitempty"`

	// download only
	SourcePath   string `dynamodbav:"source_path,omitempty" json:"source_path,omitempty"`
	SourceFileId string `dynamodbav:"source_file_id,omitempty" json:"source_file_id,omitempty"`

	FailureReason string `dynamodbav:"failure_reason,omitempty" json:"failure_reason,omitempty"`
}

// ChunkDescriptor records one completed chunk.
type ChunkDescriptor struct {
	Index       uint32    `dynamodbav:"index" json:"index"`
	Size        int64     `dynamodbav:"size" json:"size"`
	ByteStart   int64     `dynamodbav:"byte_start" json:"byte_start"`
	ByteEnd     int64     `dynamodbav:"byte_end" json:"byte_end"`
	CompletedAt time.Time `dynamodbav:"completed_at" json:"completed_at"`
	Checksum    string    `dynamodbav:"checksum,omitempty" json:"checksum,omitempty"`
}

// Transition is a conditional state change: it applies only while the
// session is in one of From.
type Transition struct {
	From []SessionState
	To   SessionState

	// Unclaimed additionally requires that no assembler holds the session.
	Unclaimed bool

	CompletedAt     *time.Time
	FinalArtifactId string
	ContentHash     string
	FailureReason   string
}

// SessionProgress is the projection status queries read: no descriptors,
// only the recorded indices.
type SessionProgress struct {
	SessionId    string
	OwnerId      string
	Direction    Direction
	State        SessionState
	DeclaredSize int64
	ChunkSize    int64
	TotalChunks  uint32
	Completed    []uint32
}

// AppendResult tells the caller whether its descriptor was the one recorded.
type AppendResult int

const (
	ChunkRecorded AppendResult = iota
	ChunkAlreadyPresent
)

func (r AppendResult) String() string {
	if r == ChunkAlreadyPresent {
		return "already_present"
	}
	return "recorded"
}

func StateIn(s SessionState, states []SessionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
