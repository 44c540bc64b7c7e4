package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/config"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenPostgres connects to the catalog database.
func OpenPostgres(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormLogger(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func gormLogger(level string) logger.Interface {
	switch level {
	case "silent":
		return logger.Default.LogMode(logger.Silent)
	case "error":
		return logger.Default.LogMode(logger.Error)
	case "info":
		return logger.Default.LogMode(logger.Info)
	default:
		return logger.Default.LogMode(logger.Warn)
	}
}

// Catalog is the file/folder/share catalog the transfer engine reads from
// and reports completed uploads to.
type Catalog struct {
	db           *gorm.DB
	artifactsDir string
}

func NewCatalog(db *gorm.DB, artifactsDir string) *Catalog {
	return &Catalog{db: db, artifactsDir: artifactsDir}
}

func (c *Catalog) Migrate() error {
	return c.db.AutoMigrate(&models.File{}, &models.Folder{}, &models.Share{}, &models.StorageUsage{})
}

func (c *Catalog) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Catalog) Name() string {
	return "Catalog[postgres]"
}

func (c *Catalog) absPath(storagePath string) string {
	if filepath.IsAbs(storagePath) {
		return storagePath
	}
	return filepath.Join(c.artifactsDir, storagePath)
}

func (c *Catalog) hasShare(db *gorm.DB, resourceID, resourceType, principal string) (bool, error) {
	var n int64
	err := db.Model(&models.Share{}).
		Where("resource_id = ? AND resource_type = ? AND shared_with = ?", resourceID, resourceType, principal).
		Count(&n).Error
	return n > 0, err
}

// folderAccessible walks from folderID up to the root and reports whether
// principal owns or has a share on any folder on the way.
func (c *Catalog) folderAccessible(db *gorm.DB, folderID *string, principal string) (bool, error) {
	visited := map[string]bool{}
	for folderID != nil && !visited[*folderID] {
		visited[*folderID] = true

		var folder models.Folder
		err := db.Where("id = ?", *folderID).First(&folder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if folder.OwnerId == principal {
			return true, nil
		}
		shared, err := c.hasShare(db, folder.FolderId, models.ShareResourceFolder, principal)
		if err != nil || shared {
			return shared, err
		}
		folderID = folder.ParentId
	}
	return false, nil
}

func (c *Catalog) ResolveAccessibleFile(ctx context.Context, fileID, principal string) (*models.ResolvedFile, error) {
	db := c.db.WithContext(ctx)

	var file models.File
	err := db.Where("id = ?", fileID).First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("file %s: %w", fileID, apperror.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	allowed := file.OwnerId == principal
	if !allowed {
		if allowed, err = c.hasShare(db, file.FileId, models.ShareResourceFile, principal); err != nil {
			return nil, err
		}
	}
	if !allowed {
		if allowed, err = c.folderAccessible(db, file.FolderId, principal); err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, fmt.Errorf("file %s: %w", fileID, apperror.ErrPermissionDenied)
	}

	return &models.ResolvedFile{
		FileId: file.FileId,
		Path:   c.absPath(file.StoragePath),
		Size:   file.Size,
		Name:   file.Name,
	}, nil
}

// ResolveAccessibleFolderTree lists every file below folderID. The traversal
// uses a work queue; cycles in parent links are skipped.
func (c *Catalog) ResolveAccessibleFolderTree(ctx context.Context, folderID, principal string) ([]models.ResolvedTreeEntry, error) {
	db := c.db.WithContext(ctx)

	var root models.Folder
	err := db.Where("id = ?", folderID).First(&root).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("folder %s: %w", folderID, apperror.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	allowed, err := c.folderAccessible(db, &root.FolderId, principal)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("folder %s: %w", folderID, apperror.ErrPermissionDenied)
	}

	type pending struct {
		id     string
		prefix string
	}
	queue := []pending{{id: root.FolderId, prefix: root.Name + "/"}}
	visited := map[string]bool{}
	entries := []models.ResolvedTreeEntry{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true

		var files []models.File
		if err := db.Where("folder_id = ?", cur.id).Order("name").Find(&files).Error; err != nil {
			return nil, err
		}
		for _, f := range files {
			entries = append(entries, models.ResolvedTreeEntry{
				FileId:       f.FileId,
				Path:         c.absPath(f.StoragePath),
				Size:         f.Size,
				RelativeName: cur.prefix + f.Name,
			})
		}

		var children []models.Folder
		if err := db.Where("parent_id = ?", cur.id).Order("name").Find(&children).Error; err != nil {
			return nil, err
		}
		for _, child := range children {
			queue = append(queue, pending{id: child.FolderId, prefix: cur.prefix + child.Name + "/"})
		}
	}

	return entries, nil
}

// PersistFinalArtifact records an assembled upload as a catalog file. A
// second call for the same upload returns the first file's id.
func (c *Catalog) PersistFinalArtifact(ctx context.Context, ownerID string, meta models.ArtifactMetadata) (string, error) {
	db := c.db.WithContext(ctx)

	var existing models.File
	err := db.Where("upload_id = ?", meta.UploadId).First(&existing).Error
	if err == nil {
		return existing.FileId, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	file := models.File{
		FileId:      uuid.NewString(),
		OwnerId:     ownerID,
		Name:        meta.Name,
		StoragePath: meta.StoragePath,
		Size:        meta.Size,
		Checksum:    meta.Checksum,
		UploadId:    meta.UploadId,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.Create(&file).Error; err != nil {
		return "", err
	}
	return file.FileId, nil
}

// ApplyQuotaDelta adds delta to the owner's used bytes.
func (c *Catalog) ApplyQuotaDelta(ctx context.Context, ownerID string, delta int64) error {
	now := time.Now().UTC()
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"used_bytes": gorm.Expr("storage_usage.used_bytes + ?", delta),
			"updated_at": now,
		}),
	}).Create(&models.StorageUsage{OwnerId: ownerID, UsedBytes: delta, UpdatedAt: now}).Error
}

func (c *Catalog) UsedBytes(ctx context.Context, ownerID string) (int64, error) {
	var usage models.StorageUsage
	err := c.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return usage.UsedBytes, err
}
