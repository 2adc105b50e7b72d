// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"path/filepath"
	"time"
)

const (
	KindFile    = "file"
	KindChunked = "chunked"

	DefaultCategory = "default"
)

// FileMetadata 定义了 file_metadata 表的 ORM 模型。
// 每个逻辑文件只有一行，以 filename 唯一标识；重新上传同名文件会原地更新，ID 保持不变。
type FileMetadata struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename string `gorm:"type:varchar(255);not null;uniqueIndex" json:"filename"`
	// Path 是单个文件的路径，或者分片上传的 staging 目录。
	Path string `gorm:"type:varchar(1024);not null" json:"path"`
	Kind string `gorm:"type:varchar(16);not null;default:file" json:"kind"`
	// Parts 是声明顺序下的分片文件名，读取时按此顺序拼接，从不依赖目录列举。
	Parts           []string   `gorm:"type:text;serializer:json" json:"parts,omitempty"`
	Size            int64      `gorm:"not null;default:0" json:"size"`
	Checksum        string     `gorm:"type:varchar(64)" json:"checksum"`
	Category        string     `gorm:"type:varchar(100);not null;default:default;index" json:"category"`
	UploadTimestamp time.Time  `gorm:"not null;index" json:"uploadTimestamp"`
	LastAccessed    *time.Time `gorm:"default:null" json:"lastAccessed"`
	AccessCount     int64      `gorm:"not null;default:0" json:"accessCount"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileMetadata) TableName() string {
	return "file_metadata"
}

// StoredFile 返回条目在磁盘上的存储形态。
func (m *FileMetadata) StoredFile() StoredFile {
	if m.Kind == KindChunked {
		return ChunkedFile{Dir: m.Path, Parts: append([]string(nil), m.Parts...)}
	}
	return SingleFile{Path: m.Path}
}

// StoredFile 是 SingleFile 和 ChunkedFile 的封闭联合类型。
type StoredFile interface {
	// Location 返回条目引用的磁盘路径（文件或目录）。
	Location() string
	isStoredFile()
}

// SingleFile 是直接写入存储根目录的单个文件。
type SingleFile struct {
	Path string
}

// ChunkedFile 是 staging 目录加上按声明顺序排列的分片文件名。
type ChunkedFile struct {
	Dir   string
	Parts []string
}

func (f SingleFile) Location() string { return f.Path }
func (SingleFile) isStoredFile() {}

func (f ChunkedFile) Location() string { return f.Dir }
func (ChunkedFile) isStoredFile() {}

// PartPaths 返回所有分片的完整路径，顺序与 Parts 一致。
func (f ChunkedFile) PartPaths() []string {
	paths := make([]string, len(f.Parts))
	for i, p := range f.Parts {
		paths[i] = filepath.Join(f.Dir, p)
	}
	return paths
}

// ChunkInfo 对应于数据库中的 'chunk_info' 表。
// 它记录了进行中的分片上传已经收到的分片，最终合并或清理后删除。
// 同一文件名同一时刻只有一个会话（UploadID），新会话的分片会取代旧会话的全部记录。
type ChunkInfo struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_chunk_file_index,priority:1" json:"filename"`
	UploadID    string    `gorm:"type:varchar(64);not null;default:'';index" json:"uploadId"`
	ChunkIndex  int       `gorm:"not null;uniqueIndex:idx_chunk_file_index,priority:2" json:"chunkIndex"`
	TotalChunks int       `gorm:"not null" json:"totalChunks"`
	Size        int64     `gorm:"not null" json:"size"`
	StoragePath string    `gorm:"type:varchar(1024);not null" json:"storagePath"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkInfo) TableName() string {
	return "chunk_info"
}
