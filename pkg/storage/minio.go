// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 本地磁盘始终是主存储，MinIO 只用于镜像已完成的文件并生成预签名下载链接。
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tinydist/internal/config"
	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// Mirror 把文件镜像到一个 MinIO 存储桶。
type Mirror struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMirror 初始化 MinIO 客户端并确保指定的存储桶存在。未启用时返回 nil。
func NewMirror(ctx context.Context, cfg config.MinIOConfig) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("[Mirror] 存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	log.Infof("[Mirror] MinIO 镜像已启用, endpoint: %s, bucket: %s", cfg.Endpoint, cfg.BucketName)
	return &Mirror{client: client, bucket: cfg.BucketName, expiry: expiry}, nil
}

// ObjectName 返回文件在存储桶中的对象名。
func ObjectName(filename string) string {
	return path.Join("files", filename)
}

// Put 把 r 上传为 filename 对应的对象，size 未知时传 -1。
func (m *Mirror) Put(ctx context.Context, filename string, r io.Reader, size int64, checksum string) error {
	_, err := m.client.PutObject(ctx, m.bucket, ObjectName(filename), r, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("上传镜像对象失败 %s: %w", filename, err)
	}
	return nil
}

// Remove 删除 filename 对应的对象，对象不存在不是错误。
func (m *Mirror) Remove(ctx context.Context, filename string) error {
	return m.client.RemoveObject(ctx, m.bucket, ObjectName(filename), minio.RemoveObjectOptions{})
}

// PresignedURL 为 filename 的镜像对象生成一个预签名下载链接。
func (m *Mirror) PresignedURL(ctx context.Context, filename string) (string, time.Time, error) {
	if _, err := m.client.StatObject(ctx, m.bucket, ObjectName(filename), minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", time.Time{}, fmt.Errorf("%w: 镜像对象不存在 %s", errs.ErrNotFound, filename)
		}
		return "", time.Time{}, fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, ObjectName(filename), m.expiry, nil)
	if err != nil {
		log.Errorf("[Mirror] 生成预签名链接失败, filename: %s, error: %v", filename, err)
		return "", time.Time{}, err
	}
	return u.String(), time.Now().Add(m.expiry), nil
}
