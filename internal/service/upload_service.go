// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"tinydist/internal/filestore"
	"tinydist/internal/model"
	"tinydist/internal/repository"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
	"tinydist/pkg/tasks"
)

// TaskPublisher 发布文件完成上传后的后台任务。
type TaskPublisher interface {
	Publish(ctx context.Context, task tasks.FileFinalizedTask) error
}

// ChunkUpload 是一次分片上传请求。UploadID 由客户端为每次上传生成，同一次上传的
// 所有分片（包括补传）必须相同。Checksum 只在最后一个分片上必填，
// 它是整个原始文件（而不是当前分片）的摘要。
type ChunkUpload struct {
	Filename    string
	UploadID    string
	ChunkIndex  int
	TotalChunks int
	Category    string
	Checksum    string
	Body        io.Reader
}

// ChunkAck 是单个分片的确认。
type ChunkAck struct {
	Filename    string              `json:"filename"`
	UploadID    string              `json:"uploadId"`
	ChunkIndex  int                 `json:"chunkIndex"`
	TotalChunks int                 `json:"totalChunks"`
	Received    []int               `json:"received"`
	Progress    float64             `json:"progress"`
	Finalized   bool                `json:"finalized"`
	Entry       *model.FileMetadata `json:"entry,omitempty"`
}

// SingleUpload 是一次不分片的上传请求。Checksum 可选，提供时必须与服务端计算的一致。
type SingleUpload struct {
	Filename string
	Category string
	Checksum string
	Body     io.Reader
}

// UploadStatus 描述一个文件名当前的上传状态。
type UploadStatus struct {
	Filename    string  `json:"filename"`
	UploadID    string  `json:"uploadId,omitempty"`
	TotalChunks int     `json:"totalChunks"`
	Received    []int   `json:"received"`
	Progress    float64 `json:"progress"`
	InProgress  bool    `json:"inProgress"`
	Finalized   bool    `json:"finalized"`
}

// UploadService 接口定义了文件上传相关的业务操作。
type UploadService interface {
	UploadChunk(ctx context.Context, req ChunkUpload) (*ChunkAck, error)
	UploadSingle(ctx context.Context, req SingleUpload) (*model.FileMetadata, error)
	Status(ctx context.Context, filename string) (*UploadStatus, error)
}

type uploadService struct {
	store     *filestore.Store
	files     repository.FileRepository
	chunks    repository.ChunkRepository
	publisher TaskPublisher
	locks     *KeyLock
	now       func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。publisher 可以为 nil。
func NewUploadService(store *filestore.Store, files repository.FileRepository, chunks repository.ChunkRepository, publisher TaskPublisher, locks *KeyLock) UploadService {
	return &uploadService{
		store:     store,
		files:     files,
		chunks:    chunks,
		publisher: publisher,
		locks:     locks,
		now:       time.Now,
	}
}

func normalizeCategory(category string) string {
	if category == "" {
		return model.DefaultCategory
	}
	return category
}

func progress(received, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(received) * 100 / float64(total)
}

// UploadChunk 处理单个分片的上传。分片内容先在锁外写入临时文件，
// 然后在文件名锁内提交到会话自己的分片路径并记录到分片集合；
// 收到最后一个分片时检查完整性并合并元数据。
func (s *uploadService) UploadChunk(ctx context.Context, req ChunkUpload) (*ChunkAck, error) {
	name, err := filestore.CleanName(req.Filename)
	if err != nil {
		return nil, err
	}
	uploadID, err := filestore.CleanUploadID(req.UploadID)
	if err != nil {
		return nil, err
	}
	if req.TotalChunks < 1 || req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return nil, fmt.Errorf("%w: 分片序号 %d 超出范围 [0, %d)", errs.ErrInvalidRequest, req.ChunkIndex, req.TotalChunks)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: 缺少分片内容", errs.ErrInvalidRequest)
	}
	last := req.ChunkIndex == req.TotalChunks-1
	checksum := digest.Normalize(req.Checksum)
	if last {
		if checksum == "" {
			return nil, fmt.Errorf("%w: 最后一个分片必须携带整个文件的 checksum", errs.ErrInvalidRequest)
		}
		if !digest.Valid(checksum) {
			return nil, fmt.Errorf("%w: checksum 格式不正确", errs.ErrInvalidRequest)
		}
	}
	log.Infof("[UploadChunk] 开始上传分片, 文件名: %s, 会话: %s, 分片序号: %d/%d", name, uploadID, req.ChunkIndex, req.TotalChunks)

	// 1. 写入临时文件
	staged, err := s.store.Stage(req.Body)
	if err != nil {
		log.Errorf("[UploadChunk] 写入分片失败, 文件名: %s, 分片序号: %d, error: %v", name, req.ChunkIndex, err)
		return nil, err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	// 2. 检查会话：已经合并过的会话不再接受分片，同一会话的总数不能变化
	if err := s.checkSession(ctx, name, uploadID, req.TotalChunks); err != nil {
		staged.Discard()
		return nil, err
	}

	// 3. 提交分片文件
	partPath, err := s.store.CommitPart(staged, name, uploadID, req.ChunkIndex)
	if err != nil {
		log.Errorf("[UploadChunk] 提交分片失败, 文件名: %s, 分片序号: %d, error: %v", name, req.ChunkIndex, err)
		return nil, err
	}

	// 4. 记录到分片集合，不同会话的旧记录在这里被取代
	if err := s.chunks.Record(ctx, &model.ChunkInfo{
		Filename:    name,
		UploadID:    uploadID,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Size:        staged.Size,
		StoragePath: partPath,
	}); err != nil {
		log.Errorf("[UploadChunk] 记录分片失败, error: %v", err)
		return nil, err
	}

	received, err := s.chunks.Received(ctx, name, uploadID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	ack := &ChunkAck{
		Filename:    name,
		UploadID:    uploadID,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Received:    received,
		Progress:    progress(len(received), req.TotalChunks),
	}
	log.Infof("[UploadChunk] 分片上传成功, 文件名: %s, 分片序号: %d, 大小: %s, 总进度: %d/%d", name, req.ChunkIndex, humanize.IBytes(uint64(staged.Size)), len(received), req.TotalChunks)

	if !last {
		return ack, nil
	}

	// 5. 最后一个分片：合并
	entry, err := s.finalize(ctx, name, uploadID, checksum, req)
	if err != nil {
		return nil, err
	}
	ack.Finalized = true
	ack.Entry = entry
	ack.Received = allIndexes(req.TotalChunks)
	ack.Progress = 100
	return ack, nil
}

// checkSession 在文件名锁内调用。已经作为当前版本合并的会话拒绝新分片，
// 否则分片会覆盖正在提供下载的内容；同一会话内分片总数必须一致。
func (s *uploadService) checkSession(ctx context.Context, name, uploadID string, total int) error {
	entry, err := s.files.FindByFilename(ctx, name)
	switch {
	case err == nil:
		if entry.Kind == model.KindChunked && len(entry.Parts) > 0 && entry.Parts[0] == filestore.PartName(name, uploadID, 0) {
			return fmt.Errorf("%w: 上传会话 %s 已经完成合并, 请使用新的 uploadId", errs.ErrInvalidRequest, uploadID)
		}
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	sess, err := s.chunks.Session(ctx, name)
	if err != nil {
		return err
	}
	if sess != nil && sess.UploadID == uploadID && sess.TotalChunks != total {
		return fmt.Errorf("%w: %s 的分片总数为 %d, 请求中为 %d", errs.ErrInvalidRequest, name, sess.TotalChunks, total)
	}
	if sess != nil && sess.UploadID != uploadID {
		log.Infof("[UploadChunk] 检测到新的上传会话, 旧会话 %s 作废, 文件名: %s", sess.UploadID, name)
	}
	return nil
}

func allIndexes(total int) []int {
	out := make([]int, total)
	for i := range out {
		out[i] = i
	}
	return out
}

// finalize 在文件名锁内调用，只统计 uploadID 这一个会话的分片。
func (s *uploadService) finalize(ctx context.Context, name, uploadID, checksum string, req ChunkUpload) (*model.FileMetadata, error) {
	log.Infof("[MergeChunks] 开始合并文件分片, 文件名: %s, 会话: %s, 总分片数: %d", name, uploadID, req.TotalChunks)

	// 1. 检查分片是否已全部收到，并确认分片文件仍在磁盘上
	received, err := s.chunks.Received(ctx, name, uploadID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(received))
	for _, i := range received {
		have[i] = true
	}
	dir := s.store.StagingDir(name)
	parts := filestore.PartNames(name, uploadID, req.TotalChunks)
	var (
		missing []int
		size    int64
	)
	for i, part := range parts {
		info, statErr := os.Stat(filepath.Join(dir, part))
		if !have[i] || statErr != nil {
			missing = append(missing, i)
			continue
		}
		size += info.Size()
	}
	if len(missing) > 0 {
		log.Warnf("[MergeChunks] 分片不完整, 拒绝合并, 文件名: %s, 缺失: %v", name, missing)
		return nil, errs.NewPartialUpload(name, req.TotalChunks, missing)
	}

	// 2. 写入元数据。失败时旧版本的分片没有被动过，旧条目仍然可用。
	entry, err := s.files.Upsert(ctx, &model.FileMetadata{
		Filename:        name,
		Path:            dir,
		Kind:            model.KindChunked,
		Parts:           parts,
		Size:            size,
		Checksum:        checksum,
		Category:        normalizeCategory(req.Category),
		UploadTimestamp: s.now(),
	})
	if err != nil {
		log.Errorf("[MergeChunks] 写入元数据失败, 文件名: %s, error: %v", name, err)
		return nil, err
	}

	// 3. 清理：旧版本和作废会话的分片、同名的旧单文件、分片集合
	if removed, err := s.store.RemoveStaleParts(dir, parts); err != nil {
		log.Warnf("[MergeChunks] 清理残留分片失败, 文件名: %s, error: %v", name, err)
	} else if len(removed) > 0 {
		log.Infof("[MergeChunks] 已清理残留分片, 文件名: %s, 数量: %d", name, len(removed))
	}
	if single := s.store.SinglePath(name); filestore.Exists(single) {
		if trashed, err := s.store.Trash(single); err != nil {
			log.Warnf("[MergeChunks] 移除旧单文件失败, 文件名: %s, error: %v", name, err)
		} else {
			log.Infof("[MergeChunks] 旧单文件已移入回收站: %s", trashed)
		}
	}
	if err := s.chunks.ResetSession(ctx, name, uploadID); err != nil {
		log.Warnf("[MergeChunks] 清理分片记录失败, 文件名: %s, error: %v", name, err)
	}

	log.Infof("[MergeChunks] 文件合并成功, 文件名: %s, ID: %d, 大小: %s", name, entry.ID, humanize.IBytes(uint64(size)))
	s.publish(ctx, entry)
	return entry, nil
}

// UploadSingle 处理不分片的上传。服务端总是在写入时计算摘要并记录下来。
func (s *uploadService) UploadSingle(ctx context.Context, req SingleUpload) (*model.FileMetadata, error) {
	name, err := filestore.CleanName(req.Filename)
	if err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: 缺少文件内容", errs.ErrInvalidRequest)
	}
	log.Infof("[UploadSingle] 开始上传文件, 文件名: %s", name)

	staged, err := s.store.Stage(req.Body)
	if err != nil {
		log.Errorf("[UploadSingle] 写入临时文件失败, 文件名: %s, error: %v", name, err)
		return nil, err
	}
	if req.Checksum != "" && !digest.Equal(req.Checksum, staged.Checksum) {
		staged.Discard()
		log.Warnf("[UploadSingle] 摘要不一致, 文件名: %s, client: %s, server: %s", name, req.Checksum, staged.Checksum)
		return nil, fmt.Errorf("%w: %s 上传内容与客户端摘要不一致", errs.ErrIntegrityMismatch, name)
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	// 保留旧内容，元数据写入失败时放回去，旧条目继续指向旧字节
	path := s.store.SinglePath(name)
	snapshot, err := s.store.Snapshot(path)
	if err != nil {
		staged.Discard()
		return nil, err
	}
	if err := staged.CommitTo(path); err != nil {
		s.store.Release(snapshot)
		return nil, err
	}
	entry, err := s.files.Upsert(ctx, &model.FileMetadata{
		Filename:        name,
		Path:            path,
		Kind:            model.KindFile,
		Size:            staged.Size,
		Checksum:        staged.Checksum,
		Category:        normalizeCategory(req.Category),
		UploadTimestamp: s.now(),
	})
	if err != nil {
		log.Errorf("[UploadSingle] 写入元数据失败, 文件名: %s, error: %v", name, err)
		s.rollbackSingle(name, path, snapshot)
		return nil, err
	}
	s.store.Release(snapshot)

	// 同名的分片上传被单文件取代
	if dir := s.store.StagingDir(name); filestore.Exists(dir) {
		if err := s.store.RemoveAll(dir); err != nil {
			log.Warnf("[UploadSingle] 删除旧分片目录失败, 文件名: %s, error: %v", name, err)
		}
	}
	if err := s.chunks.Reset(ctx, name); err != nil {
		log.Warnf("[UploadSingle] 清理分片记录失败, 文件名: %s, error: %v", name, err)
	}

	log.Infof("[UploadSingle] 文件上传成功, 文件名: %s, ID: %d, 大小: %s", name, entry.ID, humanize.IBytes(uint64(staged.Size)))
	s.publish(ctx, entry)
	return entry, nil
}

// rollbackSingle 撤销已经提交到 path 的新内容：有快照时放回旧内容，否则删除新文件。
func (s *uploadService) rollbackSingle(name, path, snapshot string) {
	var err error
	if snapshot != "" {
		err = s.store.Restore(snapshot, path)
	} else {
		err = s.store.RemoveAll(path)
	}
	if err != nil {
		log.Errorf("[UploadSingle] 回滚文件内容失败, 文件名: %s, error: %v", name, err)
		return
	}
	log.Warnf("[UploadSingle] 已回滚文件内容, 文件名: %s", name)
}

func (s *uploadService) publish(ctx context.Context, entry *model.FileMetadata) {
	if s.publisher == nil {
		return
	}
	task := tasks.FileFinalizedTask{
		FileID:      entry.ID,
		Filename:    entry.Filename,
		Path:        entry.Path,
		Kind:        entry.Kind,
		Parts:       entry.Parts,
		Checksum:    entry.Checksum,
		Size:        entry.Size,
		FinalizedAt: entry.UploadTimestamp,
	}
	if err := s.publisher.Publish(ctx, task); err != nil {
		// 后台任务失败不影响上传结果
		log.Warnf("[Upload] 发布后台任务失败, 文件名: %s, error: %v", entry.Filename, err)
	}
}

// Status 返回文件名当前的上传进度。
func (s *uploadService) Status(ctx context.Context, filename string) (*UploadStatus, error) {
	name, err := filestore.CleanName(filename)
	if err != nil {
		return nil, err
	}
	status := &UploadStatus{Filename: name, Received: []int{}}

	sess, err := s.chunks.Session(ctx, name)
	if err != nil {
		return nil, err
	}
	ok := sess != nil
	if ok {
		received, err := s.chunks.Received(ctx, name, sess.UploadID, sess.TotalChunks)
		if err != nil {
			return nil, err
		}
		status.InProgress = true
		status.UploadID = sess.UploadID
		status.TotalChunks = sess.TotalChunks
		status.Received = received
		status.Progress = progress(len(received), sess.TotalChunks)
	}

	entry, err := s.files.FindByFilename(ctx, name)
	switch {
	case err == nil:
		status.Finalized = true
		if !ok {
			n := len(entry.Parts)
			if entry.Kind == model.KindFile {
				n = 1
			}
			status.TotalChunks = n
			status.Received = allIndexes(n)
			status.Progress = 100
		}
	case !ok:
		return nil, err
	}
	return status, nil
}
