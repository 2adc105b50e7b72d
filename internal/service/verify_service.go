package service

import (
	"context"
	"fmt"

	"tinydist/internal/filestore"
	"tinydist/internal/repository"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// VerifyService 比较客户端重组后计算的摘要与上传时记录的摘要。
type VerifyService interface {
	// Verify 匹配时返回 nil，不匹配返回 errs.ErrIntegrityMismatch，没有记录返回 errs.ErrNotFound。
	Verify(ctx context.Context, filename, checksum string) error
}

type verifyService struct {
	files repository.FileRepository
}

// NewVerifyService 创建一个新的 VerifyService 实例。
func NewVerifyService(files repository.FileRepository) VerifyService {
	return &verifyService{files: files}
}

func (s *verifyService) Verify(ctx context.Context, filename, checksum string) error {
	name, err := filestore.CleanName(filename)
	if err != nil {
		return err
	}
	if checksum == "" {
		return fmt.Errorf("%w: 缺少 checksum", errs.ErrInvalidRequest)
	}
	entry, err := s.files.FindByFilename(ctx, name)
	if err != nil {
		return err
	}
	if entry.Checksum == "" {
		return fmt.Errorf("%w: %s 没有记录摘要", errs.ErrIntegrityMismatch, name)
	}
	if !digest.Equal(entry.Checksum, checksum) {
		log.Warnf("[Verify] 摘要不一致, 文件名: %s, expected: %s, actual: %s", name, entry.Checksum, checksum)
		return fmt.Errorf("%w: %s", errs.ErrIntegrityMismatch, name)
	}
	log.Infof("[Verify] 摘要一致, 文件名: %s", name)
	return nil
}
