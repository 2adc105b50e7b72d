// Package filestore 管理存储根目录下的磁盘布局：单文件、分片 staging 目录、
// 回收站（.trash）以及写入用的临时目录（.tmp）。
//
// 所有写入都先落到 .tmp，再通过 os.Rename 原子地移动到最终位置，
// 因此读者永远看不到写了一半的分片或文件。
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
)

const (
	// ChunkDirSuffix 是 staging 目录名的后缀：<filename>_chunks。
	ChunkDirSuffix = "_chunks"

	trashDirName = ".trash"
	tmpDirName   = ".tmp"
)

// Store 是以 root 为根的本地文件存储。
type Store struct {
	root  string
	trash string
	tmp   string
}

// Entry 是存储根目录下的一个顶层条目，供对账和清理使用。
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	ModTime time.Time
}

// New 创建 Store，并确保根目录、回收站和临时目录存在。
func New(root string) (*Store, error) {
	root = filepath.Clean(root)
	s := &Store{
		root:  root,
		trash: filepath.Join(root, trashDirName),
		tmp:   filepath.Join(root, tmpDirName),
	}
	for _, dir := range []string{s.root, s.trash, s.tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: 创建目录 %s 失败: %v", errs.ErrStorageFailure, dir, err)
		}
	}
	return s, nil
}

// Root 返回存储根目录。
func (s *Store) Root() string { return s.root }

// CleanName 把客户端提交的文件名收敛为一个安全的基础文件名。
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	switch {
	case name == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: 非法文件名 %q", errs.ErrInvalidRequest, name)
	case base == trashDirName, base == tmpDirName:
		return "", fmt.Errorf("%w: 文件名 %q 为保留名称", errs.ErrInvalidRequest, name)
	case strings.HasSuffix(base, ChunkDirSuffix):
		return "", fmt.Errorf("%w: 文件名不能以 %s 结尾", errs.ErrInvalidRequest, ChunkDirSuffix)
	}
	return base, nil
}

// StagingDir 返回 filename 的分片 staging 目录。
func (s *Store) StagingDir(filename string) string {
	return filepath.Join(s.root, filename+ChunkDirSuffix)
}

// SinglePath 返回 filename 作为单文件存储时的路径。
func (s *Store) SinglePath(filename string) string {
	return filepath.Join(s.root, filename)
}

// PartName 返回某次上传会话的分片文件名。序号补零到 6 位，字典序与数字序一致。
// 文件名中带上 uploadID，不同会话的分片互不覆盖。
func PartName(filename, uploadID string, index int) string {
	return fmt.Sprintf("%s.%s.part%06d", filename, uploadID, index)
}

// PartNames 返回一次会话 total 个分片按序号排列的文件名。
func PartNames(filename, uploadID string, total int) []string {
	names := make([]string, total)
	for i := range names {
		names[i] = PartName(filename, uploadID, i)
	}
	return names
}

// PartPath 返回分片在 staging 目录中的完整路径。
func (s *Store) PartPath(filename, uploadID string, index int) string {
	return filepath.Join(s.StagingDir(filename), PartName(filename, uploadID, index))
}

// MaxUploadIDLength 是上传会话 ID 的最大长度。
const MaxUploadIDLength = 64

// CleanUploadID 校验客户端提交的上传会话 ID，只允许字母、数字、'-' 和 '_'。
func CleanUploadID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: 缺少 uploadId", errs.ErrInvalidRequest)
	}
	if len(id) > MaxUploadIDLength {
		return "", fmt.Errorf("%w: uploadId 超过 %d 个字符", errs.ErrInvalidRequest, MaxUploadIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: uploadId 含有非法字符 %q", errs.ErrInvalidRequest, r)
		}
	}
	return id, nil
}

// NameFromStagingDir 从 staging 目录路径还原原始文件名。
func NameFromStagingDir(dir string) string {
	return strings.TrimSuffix(filepath.Base(dir), ChunkDirSuffix)
}

// Staged 是已经完整写入临时目录、尚未提交到最终位置的内容。
type Staged struct {
	tmpPath  string
	Size     int64
	Checksum string
}

// Stage 把 r 的全部内容写入临时文件，同时计算 SHA-256。
func (s *Store) Stage(r io.Reader) (*Staged, error) {
	f, err := os.CreateTemp(s.tmp, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: 创建临时文件失败: %v", errs.ErrStorageFailure, err)
	}
	h := digest.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), r)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("%w: 写入临时文件失败: %v", errs.ErrStorageFailure, err)
	}
	return &Staged{tmpPath: f.Name(), Size: n, Checksum: digest.Hex(h)}, nil
}

// CommitTo 把临时文件原子地移动到 dst，必要时创建父目录。
func (st *Staged) CommitTo(dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		st.Discard()
		return fmt.Errorf("%w: 创建目录失败: %v", errs.ErrStorageFailure, err)
	}
	if err := os.Rename(st.tmpPath, dst); err != nil {
		st.Discard()
		return fmt.Errorf("%w: 提交文件 %s 失败: %v", errs.ErrStorageFailure, dst, err)
	}
	return nil
}

// Discard 删除临时文件，可以重复调用。
func (st *Staged) Discard() {
	_ = os.Remove(st.tmpPath)
}

// CommitPart 把已暂存的分片原子地放到会话对应的分片路径，返回该路径。
func (s *Store) CommitPart(st *Staged, filename, uploadID string, index int) (string, error) {
	dst := s.PartPath(filename, uploadID, index)
	if err := st.CommitTo(dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Snapshot 为 path 当前的内容在临时目录中保留一份硬链接（不支持时复制），
// 供替换失败时 Restore。path 不存在时返回空字符串。
func (s *Store) Snapshot(path string) (string, error) {
	if !Exists(path) {
		return "", nil
	}
	snap := filepath.Join(s.tmp, "snapshot-"+uuid.NewString())
	if err := os.Link(path, snap); err == nil {
		return snap, nil
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: 打开 %s 失败: %v", errs.ErrStorageFailure, path, err)
	}
	defer src.Close()
	dst, err := os.Create(snap)
	if err != nil {
		return "", fmt.Errorf("%w: 创建快照失败: %v", errs.ErrStorageFailure, err)
	}
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(snap)
		return "", fmt.Errorf("%w: 写入快照失败: %v", errs.ErrStorageFailure, err)
	}
	return snap, nil
}

// Restore 把快照原子地放回 path。
func (s *Store) Restore(snapshot, path string) error {
	if err := os.Rename(snapshot, path); err != nil {
		return fmt.Errorf("%w: 恢复 %s 失败: %v", errs.ErrStorageFailure, path, err)
	}
	return nil
}

// Release 删除不再需要的快照，snapshot 为空时什么都不做。
func (s *Store) Release(snapshot string) {
	if snapshot != "" {
		_ = os.Remove(snapshot)
	}
}

// Exists 判断路径是否存在。
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Trash 把文件或目录移动到回收站，返回回收站中的路径。
func (s *Store) Trash(path string) (string, error) {
	name := fmt.Sprintf("%s.%s.%s", filepath.Base(path), time.Now().Format("20060102T150405"), uuid.NewString())
	dst := filepath.Join(s.trash, name)
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", errs.ErrNotFound, path)
		}
		return "", fmt.Errorf("%w: 移动到回收站失败: %v", errs.ErrStorageFailure, err)
	}
	return dst, nil
}

// RemoveAll 递归删除路径，路径不存在不是错误。
func (s *Store) RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: 删除 %s 失败: %v", errs.ErrStorageFailure, path, err)
	}
	return nil
}

// RemoveStaleParts 删除 dir 中不在 keep 列表里的文件，返回删除的文件名。
func (s *Store) RemoveStaleParts(dir string, keep []string) ([]string, error) {
	return s.removeUndeclared(dir, keep, time.Time{})
}

// RemovePartsOlderThan 与 RemoveStaleParts 相同，但只删除修改时间早于 cutoff 的文件，
// 仍在写入的会话不受影响。
func (s *Store) RemovePartsOlderThan(dir string, keep []string, cutoff time.Time) ([]string, error) {
	return s.removeUndeclared(dir, keep, cutoff)
}

func (s *Store) removeUndeclared(dir string, keep []string, cutoff time.Time) ([]string, error) {
	want := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		want[k] = struct{}{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取目录 %s 失败: %v", errs.ErrStorageFailure, dir, err)
	}
	var removed []string
	for _, e := range entries {
		if _, ok := want[e.Name()]; ok {
			continue
		}
		if !cutoff.IsZero() {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("%w: 删除残留分片失败: %v", errs.ErrStorageFailure, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// Entries 列出根目录下的顶层条目（不含回收站和临时目录），按名称排序。
func (s *Store) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取存储目录失败: %v", errs.ErrStorageFailure, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.Name() == trashDirName || de.Name() == tmpDirName {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// 列举和 Stat 之间被删除
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(s.root, de.Name()),
			IsDir:   de.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveTempOlderThan 删除 .tmp 中早于 cutoff 的残留临时文件，返回删除的数量。
func (s *Store) RemoveTempOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.tmp)
	if err != nil {
		return 0, fmt.Errorf("%w: 读取临时目录失败: %v", errs.ErrStorageFailure, err)
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.tmp, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Usage 返回根目录下（含回收站）所有文件的总字节数。
func (s *Store) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
