package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tinydist/internal/filestore"
	"tinydist/internal/model"
	"tinydist/internal/repository"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// LinkProvider 是对象存储镜像的可选能力，由 storage.Mirror 实现。
type LinkProvider interface {
	PresignedURL(ctx context.Context, filename string) (string, time.Time, error)
	Remove(ctx context.Context, filename string) error
}

// DeleteRequest 通过 ID 和/或文件名删除。KeepFile 为 true 时只删除元数据。
type DeleteRequest struct {
	ID       uint
	Filename string
	KeepFile bool
}

// DeleteResult 是删除操作的可读摘要。
type DeleteResult struct {
	Deleted  int64    `json:"deleted"`
	Messages []string `json:"messages"`
}

// DanglingEntry 是引用了磁盘上不存在路径的元数据。
type DanglingEntry struct {
	ID       uint   `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Reason   string `json:"reason"`
}

// ReconcileReport 列出元数据与磁盘之间两个方向的差异。
type ReconcileReport struct {
	Entries  int             `json:"entries"`
	Dangling []DanglingEntry `json:"dangling"`
	// Orphans 是存储根目录下没有元数据引用的路径，包括未完成上传的 staging 目录。
	Orphans []string `json:"orphans"`
}

// SweepResult 是一次 staging 清理的结果。
type SweepResult struct {
	Removed   []string `json:"removed"`
	TempFiles int      `json:"tempFiles"`
	// StaleParts 是仍被引用的 staging 目录中，既不属于当前条目也不属于活跃会话的分片。
	StaleParts  []string `json:"staleParts"`
	StaleChunks []string `json:"staleChunks"`
}

// Link 是一个预签名的镜像下载链接。
type Link struct {
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CatalogService 接口定义了元数据目录的查询与维护操作。
type CatalogService interface {
	List(ctx context.Context, category string, limit int) ([]model.FileMetadata, error)
	Delete(ctx context.Context, req DeleteRequest) (*DeleteResult, error)
	Reconcile(ctx context.Context) (*ReconcileReport, error)
	SweepStaging(ctx context.Context, ttl time.Duration) (*SweepResult, error)
	StartSweeper(ctx context.Context, interval, ttl time.Duration) (stop func())
	Link(ctx context.Context, filename string) (*Link, error)
}

type catalogService struct {
	store        *filestore.Store
	files        repository.FileRepository
	chunks       repository.ChunkRepository
	links        LinkProvider
	locks        *KeyLock
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// NewCatalogService 创建一个新的 CatalogService 实例。links 可以为 nil。
func NewCatalogService(store *filestore.Store, files repository.FileRepository, chunks repository.ChunkRepository, links LinkProvider, locks *KeyLock, defaultLimit, maxLimit int) CatalogService {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	if maxLimit < defaultLimit {
		maxLimit = defaultLimit
	}
	return &catalogService{
		store:        store,
		files:        files,
		chunks:       chunks,
		links:        links,
		locks:        locks,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		now:          time.Now,
	}
}

// List 按上传时间倒序列出文件，limit 非正时使用默认值，并受上限约束。
func (s *catalogService) List(ctx context.Context, category string, limit int) ([]model.FileMetadata, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	entries, err := s.files.List(ctx, category, limit)
	if err != nil {
		log.Errorf("[ListFiles] 查询文件列表失败, error: %v", err)
		return nil, err
	}
	return entries, nil
}

// Delete 删除匹配 ID 或文件名的元数据，并按模式处理磁盘内容：
// 分片目录递归删除，单文件移入回收站，KeepFile 时保留磁盘内容。
func (s *catalogService) Delete(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	if req.ID == 0 && req.Filename == "" {
		return nil, fmt.Errorf("%w: 需要提供 id 或 filename", errs.ErrInvalidRequest)
	}
	filename := req.Filename
	if filename != "" {
		name, err := filestore.CleanName(filename)
		if err != nil {
			return nil, err
		}
		filename = name
	}

	entries, unlock, err := s.lockMatching(ctx, req.ID, filename)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &DeleteResult{Messages: []string{}}
	for i := range entries {
		e := &entries[i]
		if req.KeepFile {
			result.Messages = append(result.Messages, fmt.Sprintf("Kept %s on disk at %s", e.Filename, e.Path))
			continue
		}
		msg, err := s.removeFromDisk(e)
		if err != nil {
			log.Errorf("[DeleteFile] 删除磁盘内容失败, 文件名: %s, error: %v", e.Filename, err)
			return nil, err
		}
		result.Messages = append(result.Messages, msg)
	}

	n, err := s.files.Delete(ctx, req.ID, filename)
	if err != nil {
		return nil, err
	}
	result.Deleted = n

	for _, e := range entries {
		if err := s.chunks.Reset(ctx, e.Filename); err != nil {
			log.Warnf("[DeleteFile] 清理分片记录失败, 文件名: %s, error: %v", e.Filename, err)
		}
		if s.links != nil && !req.KeepFile {
			if err := s.links.Remove(ctx, e.Filename); err != nil {
				log.Warnf("[DeleteFile] 删除镜像对象失败, 文件名: %s, error: %v", e.Filename, err)
			}
		}
	}

	if n == 0 && len(entries) == 0 {
		result.Messages = append(result.Messages, fmt.Sprintf("No metadata found for %s", Identifier{ID: req.ID, Filename: filename}))
	} else {
		result.Messages = append(result.Messages, fmt.Sprintf("Deleted %d metadata row(s)", n))
	}
	log.Infof("[DeleteFile] 删除完成, id: %d, filename: %s, rows: %d", req.ID, filename, n)
	return result, nil
}

// maxLockAttempts 是 lockMatching 在条目不断变化时的重试次数。
const maxLockAttempts = 3

// lockMatching 锁住所有匹配条目的文件名（以及请求中的文件名），然后在锁内重新读取条目。
// 加锁前读到的条目可能已被并发上传替换，只有锁内读到的结果才能用来删除。
// 锁内出现了未加锁的新文件名（只按 ID 删除时可能发生）就释放后重试。
func (s *catalogService) lockMatching(ctx context.Context, id uint, filename string) ([]model.FileMetadata, func(), error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		before, err := s.matching(ctx, id, filename)
		if err != nil {
			return nil, nil, err
		}
		names := lockNames(before, filename)
		unlock := s.lockAll(names)

		entries, err := s.matching(ctx, id, filename)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if covered(entries, names) {
			return entries, unlock, nil
		}
		unlock()
		log.Warnf("[DeleteFile] 加锁期间条目发生变化, 重试, id: %d, filename: %s", id, filename)
	}
	return nil, nil, fmt.Errorf("%w: id %d 对应的条目在删除期间持续变化", errs.ErrStorageFailure, id)
}

func lockNames(entries []model.FileMetadata, filename string) []string {
	names := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		if !containsString(names, e.Filename) {
			names = append(names, e.Filename)
		}
	}
	if filename != "" && !containsString(names, filename) {
		names = append(names, filename)
	}
	sort.Strings(names)
	return names
}

func covered(entries []model.FileMetadata, names []string) bool {
	for _, e := range entries {
		if !containsString(names, e.Filename) {
			return false
		}
	}
	return true
}

// lockAll 按名称顺序加锁，避免两个删除请求互相等待。
func (s *catalogService) lockAll(names []string) func() {
	unlocks := make([]func(), 0, len(names))
	for _, n := range names {
		unlocks = append(unlocks, s.locks.Lock(n))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// matching 返回 ID 或文件名匹配的所有条目（去重）。
func (s *catalogService) matching(ctx context.Context, id uint, filename string) ([]model.FileMetadata, error) {
	var out []model.FileMetadata
	if id != 0 {
		e, err := s.files.FindByID(ctx, id)
		switch {
		case err == nil:
			out = append(out, *e)
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
	}
	if filename != "" {
		e, err := s.files.FindByFilename(ctx, filename)
		switch {
		case err == nil:
			if len(out) == 0 || out[0].ID != e.ID {
				out = append(out, *e)
			}
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
	}
	return out, nil
}

func (s *catalogService) removeFromDisk(e *model.FileMetadata) (string, error) {
	switch sf := e.StoredFile().(type) {
	case model.ChunkedFile:
		if !filestore.Exists(sf.Dir) {
			return fmt.Sprintf("Chunk directory %s not found on disk", sf.Dir), nil
		}
		if err := s.store.RemoveAll(sf.Dir); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed chunk directory %s", sf.Dir), nil
	default:
		trashed, err := s.store.Trash(sf.Location())
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Sprintf("File %s not found on disk", sf.Location()), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved %s to trash at %s", sf.Location(), trashed), nil
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Reconcile 并发地检查每个条目引用的路径，并找出磁盘上没有条目引用的路径。
func (s *catalogService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	var (
		entries []model.FileMetadata
		disk    []filestore.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = s.files.FindAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		disk, err = s.store.Entries()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &ReconcileReport{Entries: len(entries), Dangling: []DanglingEntry{}, Orphans: []string{}}

	// 1. 元数据 -> 磁盘
	var mu sync.Mutex
	check, cctx := errgroup.WithContext(ctx)
	check.SetLimit(8)
	for i := range entries {
		e := entries[i]
		check.Go(func() error {
			if err := cctx.Err(); err != nil {
				return err
			}
			if _, err := filestore.Stat(e.StoredFile()); err != nil {
				mu.Lock()
				report.Dangling = append(report.Dangling, DanglingEntry{
					ID:       e.ID,
					Filename: e.Filename,
					Path:     e.Path,
					Reason:   err.Error(),
				})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := check.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(report.Dangling, func(i, j int) bool { return report.Dangling[i].ID < report.Dangling[j].ID })

	// 2. 磁盘 -> 元数据
	referenced := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		referenced[filepath.Clean(e.Path)] = struct{}{}
	}
	for _, d := range disk {
		if _, ok := referenced[filepath.Clean(d.Path)]; !ok {
			report.Orphans = append(report.Orphans, d.Path)
		}
	}

	log.Infof("[Reconcile] 对账完成, 条目: %d, 悬空: %d, 孤立: %d", len(entries), len(report.Dangling), len(report.Orphans))
	return report, nil
}

// SweepStaging 删除早于 ttl、且没有任何条目引用的 staging 目录及其分片记录；
// 仍被引用的目录里删除中断会话留下的旧分片；同时清理残留的临时文件，
// 以及最后一个分片早于 ttl 或 staging 目录已经不在的会话记录。
func (s *catalogService) SweepStaging(ctx context.Context, ttl time.Duration) (*SweepResult, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl 不能为负数", errs.ErrInvalidRequest)
	}
	cutoff := s.now().Add(-ttl)

	entries, err := s.files.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		referenced[filepath.Clean(e.Path)] = struct{}{}
	}
	disk, err := s.store.Entries()
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Removed: []string{}, StaleParts: []string{}, StaleChunks: []string{}}
	for _, d := range disk {
		if !d.IsDir || !strings.HasSuffix(d.Name, filestore.ChunkDirSuffix) {
			continue
		}
		name := filestore.NameFromStagingDir(d.Path)
		if _, ok := referenced[filepath.Clean(d.Path)]; ok {
			removed, err := s.sweepParts(ctx, name, d.Path, cutoff)
			if err != nil {
				log.Warnf("[Sweep] 清理旧分片失败, path: %s, error: %v", d.Path, err)
			}
			result.StaleParts = append(result.StaleParts, removed...)
			continue
		}
		if d.ModTime.After(cutoff) {
			continue
		}
		unlock := s.locks.Lock(name)
		err := s.store.RemoveAll(d.Path)
		if err == nil {
			err = s.chunks.Reset(ctx, name)
		}
		unlock()
		if err != nil {
			log.Warnf("[Sweep] 清理 staging 目录失败, path: %s, error: %v", d.Path, err)
			continue
		}
		result.Removed = append(result.Removed, d.Path)
	}

	if n, err := s.store.RemoveTempOlderThan(cutoff); err != nil {
		log.Warnf("[Sweep] 清理临时文件失败, error: %v", err)
	} else {
		result.TempFiles = n
	}

	// 会话记录过期，或者 staging 目录已经不在了
	sessions, err := s.chunks.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !s.sessionStale(sess, cutoff) {
			continue
		}
		unlock := s.locks.Lock(sess.Filename)
		cur, err := s.chunks.Session(ctx, sess.Filename)
		if err == nil && cur != nil && cur.UploadID == sess.UploadID && s.sessionStale(*cur, cutoff) {
			err = s.chunks.ResetSession(ctx, sess.Filename, sess.UploadID)
			if err == nil {
				result.StaleChunks = append(result.StaleChunks, sess.Filename)
			}
		}
		unlock()
		if err != nil {
			log.Warnf("[Sweep] 清理会话记录失败, filename: %s, error: %v", sess.Filename, err)
		}
	}

	if len(result.Removed) > 0 || result.TempFiles > 0 || len(result.StaleParts) > 0 || len(result.StaleChunks) > 0 {
		log.Infof("[Sweep] 清理完成, 目录: %d, 临时文件: %d, 旧分片: %d, 会话记录: %d",
			len(result.Removed), result.TempFiles, len(result.StaleParts), len(result.StaleChunks))
	}
	return result, nil
}

func (s *catalogService) sessionStale(sess repository.Session, cutoff time.Time) bool {
	return sess.LastChunkAt.Before(cutoff) || !filestore.Exists(s.store.StagingDir(sess.Filename))
}

// sweepParts 在文件名锁内删除 dir 中早于 cutoff 的、未被当前条目或活跃会话声明的分片。
func (s *catalogService) sweepParts(ctx context.Context, name, dir string, cutoff time.Time) ([]string, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	var keep []string
	entry, err := s.files.FindByFilename(ctx, name)
	switch {
	case err == nil:
		if entry.Kind == model.KindChunked && filepath.Clean(entry.Path) == filepath.Clean(dir) {
			keep = append(keep, entry.Parts...)
		}
	case errors.Is(err, errs.ErrNotFound):
		// 条目刚被删除或替换为单文件，下一轮会按未引用目录处理
		return nil, nil
	default:
		return nil, err
	}
	if len(keep) == 0 {
		return nil, nil
	}
	sess, err := s.chunks.Session(ctx, name)
	if err != nil {
		return nil, err
	}
	if sess != nil && !s.sessionStale(*sess, cutoff) {
		keep = append(keep, filestore.PartNames(name, sess.UploadID, sess.TotalChunks)...)
	}

	removed, err := s.store.RemovePartsOlderThan(dir, keep, cutoff)
	paths := make([]string, len(removed))
	for i, r := range removed {
		paths[i] = filepath.Join(dir, r)
	}
	return paths, err
}

// StartSweeper 启动周期性的 staging 清理，返回的函数用于停止。
func (s *catalogService) StartSweeper(ctx context.Context, interval, ttl time.Duration) func() {
	if interval <= 0 || ttl <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepStaging(ctx, ttl); err != nil {
					log.Warnf("[Sweep] 周期清理失败, error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Link 返回文件镜像对象的预签名下载链接。
func (s *catalogService) Link(ctx context.Context, filename string) (*Link, error) {
	if s.links == nil {
		return nil, fmt.Errorf("%w: 未启用对象存储镜像", errs.ErrNotFound)
	}
	entry, err := resolve(ctx, s.files, Identifier{Filename: filename})
	if err != nil {
		return nil, err
	}
	url, expires, err := s.links.PresignedURL(ctx, entry.Filename)
	if err != nil {
		return nil, err
	}
	return &Link{Filename: entry.Filename, URL: url, ExpiresAt: expires}, nil
}
