package models

import "time"

// File is a stored file in the catalog.
type File struct {
	FileId      string    `gorm:"column:id;primaryKey;type:varchar(36)" json:"file_id"`
	OwnerId     string    `gorm:"column:owner_id;type:varchar(64);index;not null" json:"owner_id"`
	FolderId    *string   `gorm:"column:folder_id;type:varchar(36);index" json:"folder_id,omitempty"`
	Name        string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	StoragePath string    `gorm:"column:storage_path;type:varchar(1024);not null" json:"-"`
	Size        int64     `gorm:"column:size;not null" json:"size"`
	Checksum    string    `gorm:"column:checksum;type:varchar(64)" json:"checksum"`
	UploadId    string    `gorm:"column:upload_id;type:varchar(36);index" json:"upload_id,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (File) TableName() string { return "files" }

type Folder struct {
	FolderId  string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	OwnerId   string    `gorm:"column:owner_id;type:varchar(64);index;not null"`
	ParentId  *string   `gorm:"column:parent_id;type:varchar(36);index"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Folder) TableName() string { return "folders" }

const (
	ShareResourceFile   = "file"
	ShareResourceFolder = "folder"
)

type Share struct {
	ID           uint      `gorm:"primaryKey"`
	ResourceId   string    `gorm:"column:resource_id;type:varchar(36);uniqueIndex:idx_share_target"`
	ResourceType string    `gorm:"column:resource_type;type:varchar(16)"`
	SharedWith   string    `gorm:"column:shared_with;type:varchar(64);uniqueIndex:idx_share_target"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (Share) TableName() string { return "shares" }

type StorageUsage struct {
	OwnerId   string    `gorm:"column:owner_id;primaryKey;type:varchar(64)"`
	UsedBytes int64     `gorm:"column:used_bytes;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (StorageUsage) TableName() string { return "storage_usage" }

// ResolvedFile is what the catalog hands the transfer engine for one file the
// principal may read.
type ResolvedFile struct {
	FileId string
	Path   string
	Size   int64
	Name   string
}

// ResolvedTreeEntry is one file below a folder, with its path relative to
// (and including) the folder name.
type ResolvedTreeEntry struct {
	FileId       string
	Path         string
	Size         int64
	RelativeName string
}

// ArtifactMetadata describes a freshly assembled upload.
type ArtifactMetadata struct {
	UploadId    string
	Name        string
	StoragePath string
	Size        int64
	Checksum    string
}
