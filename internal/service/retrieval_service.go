package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"tinydist/internal/filestore"
	"tinydist/internal/model"
	"tinydist/internal/repository"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// Identifier 通过 ID 或文件名定位一个文件，ID 优先。
type Identifier struct {
	ID       uint
	Filename string
}

func (id Identifier) String() string {
	if id.ID != 0 {
		return fmt.Sprintf("id=%d", id.ID)
	}
	return "filename=" + id.Filename
}

// Download 是一个已打开的文件流，调用方负责关闭 Body。
type Download struct {
	Entry   *model.FileMetadata
	Name    string
	Chunked bool
	Size    int64
	Body    io.ReadCloser
}

// RetrievalService 把标识解析为磁盘上的字节流。
type RetrievalService interface {
	Open(ctx context.Context, id Identifier) (*Download, error)
}

type retrievalService struct {
	files repository.FileRepository
	now   func() time.Time
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(files repository.FileRepository) RetrievalService {
	return &retrievalService{files: files, now: time.Now}
}

func resolve(ctx context.Context, files repository.FileRepository, id Identifier) (*model.FileMetadata, error) {
	switch {
	case id.ID != 0:
		return files.FindByID(ctx, id.ID)
	case id.Filename != "":
		name, err := filestore.CleanName(id.Filename)
		if err != nil {
			return nil, err
		}
		return files.FindByFilename(ctx, name)
	default:
		return nil, fmt.Errorf("%w: 需要提供 id 或 filename", errs.ErrInvalidRequest)
	}
}

// Open 解析标识并打开字节流。分片文件按目录中记录的声明顺序拼接。
// 打开成功后访问计数加一；计数失败只记录日志，不影响下载。
func (s *retrievalService) Open(ctx context.Context, id Identifier) (*Download, error) {
	entry, err := resolve(ctx, s.files, id)
	if err != nil {
		log.Infof("[Retrieve] 未找到元数据, %s, error: %v", id, err)
		return nil, err
	}

	sf := entry.StoredFile()
	body, size, err := filestore.Open(sf)
	if err != nil {
		log.Warnf("[Retrieve] 元数据存在但磁盘内容缺失, ID: %d, path: %s, error: %v", entry.ID, entry.Path, err)
		return nil, err
	}

	now := s.now()
	if err := s.files.IncrementAccess(ctx, entry.ID, now); err != nil {
		log.Warnf("[Retrieve] 更新访问计数失败, ID: %d, error: %v", entry.ID, err)
	} else {
		entry.AccessCount++
		entry.LastAccessed = &now
	}

	d := &Download{Entry: entry, Size: size, Body: body}
	switch f := sf.(type) {
	case model.ChunkedFile:
		d.Chunked = true
		d.Name = filestore.NameFromStagingDir(f.Dir)
	default:
		d.Name = filepath.Base(entry.Path)
	}
	log.Infof("[Retrieve] 开始传输, ID: %d, 文件名: %s, chunked: %t, 大小: %d", entry.ID, d.Name, d.Chunked, size)
	return d, nil
}
