package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"tinydist/internal/model"
	"tinydist/pkg/errs"
)

// Open 打开一个存储形态对应的字节流，并返回其总长度。
// 单文件或任一声明的分片在磁盘上缺失时返回 errs.ErrNotFound。
func Open(sf model.StoredFile) (io.ReadCloser, int64, error) {
	switch f := sf.(type) {
	case model.SingleFile:
		return openSingle(f.Path)
	case model.ChunkedFile:
		return openChunked(f)
	default:
		return nil, 0, fmt.Errorf("%w: 未知的存储形态 %T", errs.ErrStorageFailure, sf)
	}
}

func openSingle(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, statError(path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, statError(path, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s 是目录", errs.ErrNotFound, path)
	}
	return file, info.Size(), nil
}

func openChunked(f model.ChunkedFile) (io.ReadCloser, int64, error) {
	total, err := statChunked(f)
	if err != nil {
		return nil, 0, err
	}
	return &partsReader{paths: f.PartPaths()}, total, nil
}

// Stat 检查存储形态在磁盘上是否完整，返回总长度。
func Stat(sf model.StoredFile) (int64, error) {
	switch f := sf.(type) {
	case model.SingleFile:
		info, err := os.Stat(f.Path)
		if err != nil {
			return 0, statError(f.Path, err)
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%w: %s 是目录", errs.ErrNotFound, f.Path)
		}
		return info.Size(), nil
	case model.ChunkedFile:
		return statChunked(f)
	default:
		return 0, fmt.Errorf("%w: 未知的存储形态 %T", errs.ErrStorageFailure, sf)
	}
}

func statChunked(f model.ChunkedFile) (int64, error) {
	info, err := os.Stat(f.Dir)
	if err != nil {
		return 0, statError(f.Dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s 不是目录", errs.ErrNotFound, f.Dir)
	}
	var total int64
	for _, p := range f.PartPaths() {
		pi, err := os.Stat(p)
		if err != nil {
			return 0, statError(p, err)
		}
		total += pi.Size()
	}
	return total, nil
}

func statError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: 磁盘上不存在 %s", errs.ErrNotFound, path)
	}
	return fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
}

// partsReader 按顺序拼接多个分片文件。每个分片在读到时才打开，读完立即关闭，
// 因此任意时刻最多持有一个文件句柄。
type partsReader struct {
	paths []string
	next  int
	cur   *os.File
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= len(r.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[r.next])
			if err != nil {
				return 0, statError(r.paths[r.next], err)
			}
			r.cur = f
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partsReader) Close() error {
	r.next = len(r.paths)
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
