package models

import "time"

type SessionStatusResponse struct {
	SessionId       string       `json:"session_id"`
	Direction       Direction    `json:"direction"`
	State           SessionState `json:"state"`
	Progress        uint8        `json:"progress"`
	TotalChunks     uint32       `json:"total_chunks"`
	CompletedChunks uint32       `json:"completed_chunks"`
	MissingChunks   []uint32     `json:"missing_chunks"`
	BytesCompleted  int64        `json:"bytes_completed"`
	DeclaredSize    int64        `json:"declared_size"`
}

type ResumeResponse struct {
	SessionId string       `json:"session_id"`
	State     SessionState `json:"state"`
	Missing   []uint32     `json:"missing_chunks"`
	Completed []uint32     `json:"completed_chunks"`
}

type ChunkSubmitResponse struct {
	SessionId string       `json:"session_id"`
	Index     uint32       `json:"index"`
	Result    string       `json:"result"`
	State     SessionState `json:"state"`
}

type SessionSummary struct {
	SessionId    string       `json:"session_id"`
	Direction    Direction    `json:"direction"`
	ResourceName string       `json:"resource_name"`
	State        SessionState `json:"state"`
	DeclaredSize int64        `json:"declared_size"`
	TotalChunks  uint32       `json:"total_chunks"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

type CompleteUploadResponse struct {
	SessionId       string `json:"session_id"`
	FinalArtifactId string `json:"final_artifact_id"`
	Size            int64  `json:"size"`
	ContentHash     string `json:"content_hash"`
}

func SummaryOf(s TransferSession) SessionSummary {
	return SessionSummary{
		SessionId:    s.SessionId,
		Direction:    s.Direction,
		ResourceName: s.ResourceName,
		State:        s.State,
		DeclaredSize: s.DeclaredSize,
		TotalChunks:  s.TotalChunks,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
	}
}

type InitiateResponse struct {
	SessionSummary
	ChunkSize int64 `json:"chunk_size"`
	// DirectUrl is a presigned URL when the file is mirrored to object storage.
	DirectUrl string `json:"direct_url,omitempty"`
}
