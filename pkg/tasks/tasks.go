// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// FileFinalizedTask 在一个文件上传完成（单文件写入或最后一个分片合并）后发布。
type FileFinalizedTask struct {
	FileID   uint   `json:"file_id"`
	Filename string `json:"filename"`
	// Path 是单文件路径或 staging 目录，Kind 区分两者。
	Path        string    `json:"path"`
	Kind        string    `json:"kind"`
	Parts       []string  `json:"parts,omitempty"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Key 返回任务的去重键，同一文件的同一版本得到相同的键。
func (t FileFinalizedTask) Key() string {
	return t.Filename + ":" + t.Checksum
}
