// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tinydist/internal/model"
	"tinydist/pkg/errs"
)

// FileRepository 接口定义了元数据目录的持久化操作。
type FileRepository interface {
	// Upsert 按 filename 查找，存在则原地更新（ID 不变），否则创建。
	Upsert(ctx context.Context, entry *model.FileMetadata) (*model.FileMetadata, error)
	FindByID(ctx context.Context, id uint) (*model.FileMetadata, error)
	FindByFilename(ctx context.Context, filename string) (*model.FileMetadata, error)
	// List 按上传时间倒序返回，category 为空时不过滤。
	List(ctx context.Context, category string, limit int) ([]model.FileMetadata, error)
	// Delete 删除 id 或 filename 匹配的所有行，返回删除的行数。
	Delete(ctx context.Context, id uint, filename string) (int64, error)
	IncrementAccess(ctx context.Context, id uint, at time.Time) error
	FindAll(ctx context.Context) ([]model.FileMetadata, error)
	Ping(ctx context.Context) error
}

// fileRepository 是 FileRepository 接口的 GORM 实现。
type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

// Upsert 在一个事务内完成 find-or-create-then-update。
// 两个并发的创建会被 filename 唯一索引拦下，失败的一方重试一次，此时会走更新分支。
func (r *fileRepository) Upsert(ctx context.Context, entry *model.FileMetadata) (*model.FileMetadata, error) {
	var saved *model.FileMetadata
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		saved, err = r.upsertOnce(ctx, entry)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 写入元数据失败 %s: %v", errs.ErrStorageFailure, entry.Filename, err)
	}
	return saved, nil
}

func (r *fileRepository) upsertOnce(ctx context.Context, entry *model.FileMetadata) (*model.FileMetadata, error) {
	var saved model.FileMetadata
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("filename = ?", entry.Filename).First(&saved).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			saved = *entry
			saved.ID = 0
			return tx.Create(&saved).Error
		}
		if err != nil {
			return err
		}

		saved.Path = entry.Path
		saved.Kind = entry.Kind
		saved.Parts = entry.Parts
		saved.Size = entry.Size
		saved.Checksum = entry.Checksum
		saved.Category = entry.Category
		saved.UploadTimestamp = entry.UploadTimestamp
		return tx.Select("path", "kind", "parts", "size", "checksum", "category", "upload_timestamp").
			Updates(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// FindByID 根据 ID 检索元数据。
func (r *fileRepository) FindByID(ctx context.Context, id uint) (*model.FileMetadata, error) {
	var entry model.FileMetadata
	err := r.db.WithContext(ctx).First(&entry, id).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("id=%d", id))
	}
	return &entry, nil
}

// FindByFilename 根据文件名检索元数据。
func (r *fileRepository) FindByFilename(ctx context.Context, filename string) (*model.FileMetadata, error) {
	var entry model.FileMetadata
	err := r.db.WithContext(ctx).Where("filename = ?", filename).First(&entry).Error
	if err != nil {
		return nil, notFound(err, "filename="+filename)
	}
	return &entry, nil
}

func (r *fileRepository) List(ctx context.Context, category string, limit int) ([]model.FileMetadata, error) {
	var entries []model.FileMetadata
	q := r.db.WithContext(ctx).Order("upload_timestamp DESC").Order("id DESC")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	return entries, nil
}

func (r *fileRepository) Delete(ctx context.Context, id uint, filename string) (int64, error) {
	q := r.db.WithContext(ctx)
	switch {
	case id != 0 && filename != "":
		q = q.Where("id = ? OR filename = ?", id, filename)
	case id != 0:
		q = q.Where("id = ?", id)
	case filename != "":
		q = q.Where("filename = ?", filename)
	default:
		return 0, fmt.Errorf("%w: 需要提供 id 或 filename", errs.ErrInvalidRequest)
	}
	res := q.Delete(&model.FileMetadata{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStorageFailure, res.Error)
	}
	return res.RowsAffected, nil
}

// IncrementAccess 原子地把 access_count 加一并更新 last_accessed。
// 计数在数据库内自增，并发读取不会丢失更新。
func (r *fileRepository) IncrementAccess(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.FileMetadata{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_count":  gorm.Expr("access_count + ?", 1),
			"last_accessed": at,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%d", errs.ErrNotFound, id)
	}
	return nil
}

func (r *fileRepository) FindAll(ctx context.Context) ([]model.FileMetadata, error) {
	var entries []model.FileMetadata
	if err := r.db.WithContext(ctx).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	return entries, nil
}

func (r *fileRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
}
