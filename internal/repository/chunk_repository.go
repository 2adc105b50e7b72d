package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"tinydist/internal/model"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// Session 是某个文件名当前进行中的分片上传会话的汇总。
type Session struct {
	Filename    string
	UploadID    string
	TotalChunks int
	Received    int
	LastChunkAt time.Time
}

// ChunkRepository 维护进行中的分片上传已收到的分片集合。
// chunk_info 表是持久的事实来源；配置了 Redis 时额外维护一个位图作为快速路径。
// 每个文件名同一时刻只保留一个会话：带着不同 UploadID 的分片会取代旧会话的全部记录。
type ChunkRepository interface {
	// Record 记录一个已落盘的分片，同一会话同一序号重复上传会覆盖。
	// 同一会话内 TotalChunks 不一致时返回 ErrInvalidRequest。
	Record(ctx context.Context, info *model.ChunkInfo) error
	// Received 返回会话 uploadID 在 [0, total) 中已经收到的分片序号，升序。
	Received(ctx context.Context, filename, uploadID string, total int) ([]int, error)
	// Session 返回 filename 当前的会话，没有时返回 nil。
	Session(ctx context.Context, filename string) (*Session, error)
	// Sessions 返回所有进行中的会话，按文件名排序。
	Sessions(ctx context.Context) ([]Session, error)
	// ResetSession 只清空会话 uploadID 的分片集合，之后开始的新会话不受影响。
	ResetSession(ctx context.Context, filename, uploadID string) error
	// Reset 清空 filename 所有会话的分片集合。
	Reset(ctx context.Context, filename string) error
}

// chunkRepository 是 ChunkRepository 接口的 GORM+Redis 实现。redisClient 可以为 nil。
type chunkRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB, redisClient *redis.Client) ChunkRepository {
	return &chunkRepository{db: db, redisClient: redisClient}
}

// getRedisUploadKey generates the redis key for one upload session.
func (r *chunkRepository) getRedisUploadKey(filename, uploadID string) string {
	return "upload:" + filename + ":" + uploadID
}

func (r *chunkRepository) Record(ctx context.Context, info *model.ChunkInfo) error {
	var superseded []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []model.ChunkInfo
		if err := tx.Where("filename = ?", info.Filename).Limit(1).Find(&current).Error; err != nil {
			return err
		}
		if len(current) > 0 {
			cur := current[0]
			if cur.UploadID != info.UploadID {
				if err := tx.Model(&model.ChunkInfo{}).Where("filename = ?", info.Filename).
					Distinct().Pluck("upload_id", &superseded).Error; err != nil {
					return err
				}
				if err := tx.Where("filename = ?", info.Filename).Delete(&model.ChunkInfo{}).Error; err != nil {
					return err
				}
			} else if cur.TotalChunks != info.TotalChunks {
				return fmt.Errorf("%w: 分片总数 %d 与会话 %s 已记录的 %d 不一致",
					errs.ErrInvalidRequest, info.TotalChunks, info.UploadID, cur.TotalChunks)
			}
		}
		if err := tx.Where("filename = ? AND chunk_index = ?", info.Filename, info.ChunkIndex).
			Delete(&model.ChunkInfo{}).Error; err != nil {
			return err
		}
		rec := *info
		rec.ID = 0
		return tx.Create(&rec).Error
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidRequest) {
			return err
		}
		return fmt.Errorf("%w: 记录分片失败 %s#%d: %v", errs.ErrStorageFailure, info.Filename, info.ChunkIndex, err)
	}
	if len(superseded) > 0 {
		log.Infof("[ChunkRepository] 新会话取代旧会话, filename: %s, uploadId: %s, superseded: %v", info.Filename, info.UploadID, superseded)
	}

	if r.redisClient != nil {
		for _, id := range superseded {
			r.dropBitmap(ctx, info.Filename, id)
		}
		key := r.getRedisUploadKey(info.Filename, info.UploadID)
		if err := r.redisClient.SetBit(ctx, key, int64(info.ChunkIndex), 1).Err(); err != nil {
			// 位图只是快速路径，失败时以 chunk_info 为准
			log.Warnf("[ChunkRepository] 标记分片位图失败, filename: %s, chunk: %d, error: %v", info.Filename, info.ChunkIndex, err)
		}
	}
	return nil
}

func (r *chunkRepository) Received(ctx context.Context, filename, uploadID string, total int) ([]int, error) {
	if total <= 0 {
		return []int{}, nil
	}
	if r.redisClient != nil {
		uploaded, err := r.receivedFromRedis(ctx, filename, uploadID, total)
		if err != nil {
			log.Warnf("[ChunkRepository] 读取分片位图失败, 回退到数据库, filename: %s, error: %v", filename, err)
		} else if len(uploaded) == total {
			return uploaded, nil
		}
		// 位图不完整时以数据库为准：Redis 可能被清空或重启过。
	}

	var indexes []int
	err := r.db.WithContext(ctx).Model(&model.ChunkInfo{}).
		Where("filename = ? AND upload_id = ? AND chunk_index < ?", filename, uploadID, total).
		Order("chunk_index asc").
		Pluck("chunk_index", &indexes).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	if indexes == nil {
		indexes = []int{}
	}
	return indexes, nil
}

// receivedFromRedis retrieves the list of uploaded chunk indexes from Redis bitmap.
func (r *chunkRepository) receivedFromRedis(ctx context.Context, filename, uploadID string, total int) ([]int, error) {
	bitmap, err := r.redisClient.Get(ctx, r.getRedisUploadKey(filename, uploadID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil
		}
		return nil, err
	}

	uploaded := make([]int, 0, total)
	for i := 0; i < total; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			uploaded = append(uploaded, i)
		}
	}
	return uploaded, nil
}

func (r *chunkRepository) Session(ctx context.Context, filename string) (*Session, error) {
	var rows []model.ChunkInfo
	err := r.db.WithContext(ctx).Where("filename = ?", filename).Order("chunk_index asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	sessions := summarize(rows)
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *chunkRepository) Sessions(ctx context.Context) ([]Session, error) {
	var rows []model.ChunkInfo
	err := r.db.WithContext(ctx).Select("filename", "upload_id", "total_chunks", "created_at").
		Order("filename asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	return summarize(rows), nil
}

// summarize 按 (filename, uploadId) 聚合分片记录。
func summarize(rows []model.ChunkInfo) []Session {
	type key struct{ filename, uploadID string }
	byKey := make(map[key]*Session)
	var order []key
	for _, row := range rows {
		k := key{row.Filename, row.UploadID}
		s, ok := byKey[k]
		if !ok {
			s = &Session{Filename: row.Filename, UploadID: row.UploadID, TotalChunks: row.TotalChunks}
			byKey[k] = s
			order = append(order, k)
		}
		s.Received++
		if row.CreatedAt.After(s.LastChunkAt) {
			s.LastChunkAt = row.CreatedAt
		}
	}
	sessions := make([]Session, 0, len(order))
	for _, k := range order {
		sessions = append(sessions, *byKey[k])
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].Filename != sessions[j].Filename {
			return sessions[i].Filename < sessions[j].Filename
		}
		return sessions[i].LastChunkAt.After(sessions[j].LastChunkAt)
	})
	return sessions
}

func (r *chunkRepository) ResetSession(ctx context.Context, filename, uploadID string) error {
	if err := r.db.WithContext(ctx).Where("filename = ? AND upload_id = ?", filename, uploadID).
		Delete(&model.ChunkInfo{}).Error; err != nil {
		return fmt.Errorf("%w: 清理会话分片记录失败 %s/%s: %v", errs.ErrStorageFailure, filename, uploadID, err)
	}
	if r.redisClient != nil {
		r.dropBitmap(ctx, filename, uploadID)
	}
	return nil
}

func (r *chunkRepository) Reset(ctx context.Context, filename string) error {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ChunkInfo{}).Where("filename = ?", filename).
			Distinct().Pluck("upload_id", &ids).Error; err != nil {
			return err
		}
		return tx.Where("filename = ?", filename).Delete(&model.ChunkInfo{}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: 清理分片记录失败 %s: %v", errs.ErrStorageFailure, filename, err)
	}
	if r.redisClient != nil {
		for _, id := range ids {
			r.dropBitmap(ctx, filename, id)
		}
	}
	return nil
}

func (r *chunkRepository) dropBitmap(ctx context.Context, filename, uploadID string) {
	if err := r.redisClient.Del(ctx, r.getRedisUploadKey(filename, uploadID)).Err(); err != nil {
		log.Warnf("[ChunkRepository] 删除分片位图失败, filename: %s, uploadId: %s, error: %v", filename, uploadID, err)
	}
}
