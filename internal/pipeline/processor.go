// Package pipeline 定义了文件完成上传之后的后台处理流程：
// 重新读取磁盘上的内容做一次完整性审计，然后按配置镜像到 MinIO。
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"tinydist/internal/filestore"
	"tinydist/internal/model"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
	"tinydist/pkg/tasks"
)

// ObjectMirror 是镜像存储的最小接口，由 storage.Mirror 实现。
type ObjectMirror interface {
	Put(ctx context.Context, filename string, r io.Reader, size int64, checksum string) error
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	mirror ObjectMirror
}

// NewProcessor 创建一个新的 Processor 实例。mirror 可以为 nil。
func NewProcessor(mirror ObjectMirror) *Processor {
	return &Processor{mirror: mirror}
}

// StoredFile 把任务还原为存储形态。
func StoredFile(task tasks.FileFinalizedTask) model.StoredFile {
	entry := model.FileMetadata{Path: task.Path, Kind: task.Kind, Parts: task.Parts}
	return entry.StoredFile()
}

// Process 是文件处理的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.FileFinalizedTask) error {
	log.Infof("[Processor] 开始处理文件, ID: %d, FileName: %s, Kind: %s", task.FileID, task.Filename, task.Kind)

	// 1. 重新读取磁盘内容并计算摘要
	sum, size, err := p.audit(task)
	if err != nil {
		return err
	}
	if !digest.Equal(task.Checksum, sum) {
		log.Errorf("[Processor] 完整性审计失败, FileName: %s, expected: %s, actual: %s", task.Filename, task.Checksum, sum)
		return fmt.Errorf("%w: %s 存储内容的摘要与记录不一致", errs.ErrIntegrityMismatch, task.Filename)
	}
	log.Infof("[Processor] 步骤1: 完整性审计通过, FileName: %s, 大小: %s", task.Filename, humanize.IBytes(uint64(size)))

	// 2. 镜像到对象存储
	if p.mirror == nil {
		return nil
	}
	rc, size, err := filestore.Open(StoredFile(task))
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := p.mirror.Put(ctx, task.Filename, rc, size, sum); err != nil {
		log.Errorf("[Processor] 镜像上传失败, FileName: %s, Error: %v", task.Filename, err)
		return err
	}
	log.Infof("[Processor] 步骤2: 已镜像到对象存储, FileName: %s", task.Filename)
	return nil
}

func (p *Processor) audit(task tasks.FileFinalizedTask) (string, int64, error) {
	rc, _, err := filestore.Open(StoredFile(task))
	if err != nil {
		log.Warnf("[Processor] 打开存储内容失败, FileName: %s, Error: %v", task.Filename, err)
		return "", 0, err
	}
	defer rc.Close()
	sum, n, err := digest.Reader(rc)
	if err != nil {
		return "", 0, fmt.Errorf("%w: 读取 %s 失败: %v", errs.ErrStorageFailure, task.Filename, err)
	}
	return sum, n, nil
}

// InlinePublisher 在未配置 Kafka 时使用：在后台 goroutine 中直接调用 Processor。
type InlinePublisher struct {
	processor *Processor
	wg        sync.WaitGroup
}

// NewInlinePublisher 创建一个 InlinePublisher。
func NewInlinePublisher(processor *Processor) *InlinePublisher {
	return &InlinePublisher{processor: processor}
}

// Publish 异步处理任务。处理不受请求上下文取消的影响。
func (p *InlinePublisher) Publish(_ context.Context, task tasks.FileFinalizedTask) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.processor.Process(context.Background(), task); err != nil {
			log.Warnf("[InlinePublisher] 处理任务失败, FileName: %s, Error: %v", task.Filename, err)
		}
	}()
	return nil
}

// Wait 等待所有已发布的任务处理完成。
func (p *InlinePublisher) Wait() {
	p.wg.Wait()
}
