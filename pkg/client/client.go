// Package client 是 tinydist 服务的 HTTP 客户端：分片上传、下载后校验以及目录管理。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tinydist/internal/model"
	"tinydist/internal/service"
	"tinydist/pkg/digest"
	"tinydist/pkg/errs"
)

// DefaultChunkSize 是默认的分片大小（5 MiB）。
const DefaultChunkSize int64 = 5 << 20

// Client 通过 HTTP 访问 tinydist 服务。
type Client struct {
	baseURL    string
	token      string
	adminToken string
	chunkSize  int64
	http       *http.Client

	// Progress 接收上传和下载的进度，默认不输出。
	Progress Progress
}

// New 根据配置创建客户端。
func New(cfg Config) *Client {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		token:      cfg.AuthToken,
		adminToken: cfg.AdminToken,
		chunkSize:  chunkSize,
		http:       &http.Client{},
		Progress:   nopProgress{},
	}
}

// ChunkSize 返回客户端使用的分片大小。
func (c *Client) ChunkSize() int64 { return c.chunkSize }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Upload 上传本地文件。不超过一个分片大小的文件走单次上传，否则按分片顺序发送，
// 整个文件的摘要随最后一个分片（或单次上传）一起提交。
func (c *Client) Upload(ctx context.Context, path, category string) (*model.FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s 是目录", errs.ErrInvalidRequest, path)
	}
	size := info.Size()

	checksum, _, err := digest.Reader(io.NewSectionReader(f, 0, size))
	if err != nil {
		return nil, fmt.Errorf("计算文件摘要失败 %s: %w", path, err)
	}
	name := filepath.Base(path)

	c.Progress.Start(name, size)
	var entry *model.FileMetadata
	if size <= c.chunkSize {
		entry, err = c.uploadSingle(ctx, name, category, checksum, io.NewSectionReader(f, 0, size))
	} else {
		entry, err = c.uploadChunked(ctx, f, name, category, checksum, size)
	}
	c.Progress.Done(err)
	return entry, err
}

func (c *Client) uploadSingle(ctx context.Context, name, category, checksum string, body io.Reader) (*model.FileMetadata, error) {
	fields := map[string]string{"filename": name, "category": category, "checksum": checksum}
	var entry model.FileMetadata
	if err := c.postMultipart(ctx, "/api/v1/upload", fields, name, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) uploadChunked(ctx context.Context, f io.ReaderAt, name, category, checksum string, size int64) (*model.FileMetadata, error) {
	total := int((size + c.chunkSize - 1) / c.chunkSize)
	// 同一次上传（包括补发）共用一个会话 ID
	uploadID := uuid.NewString()
	send := func(i int) (*service.ChunkAck, error) {
		off := int64(i) * c.chunkSize
		n := c.chunkSize
		if off+n > size {
			n = size - off
		}
		fields := map[string]string{
			"filename":    name,
			"uploadId":    uploadID,
			"chunkIndex":  strconv.Itoa(i),
			"totalChunks": strconv.Itoa(total),
			"category":    category,
		}
		if i == total-1 {
			fields["checksum"] = checksum
		}
		var ack service.ChunkAck
		if err := c.postMultipart(ctx, "/api/v1/upload/chunk", fields, name, io.NewSectionReader(f, off, n), &ack); err != nil {
			return nil, err
		}
		return &ack, nil
	}

	var ack *service.ChunkAck
	var err error
	for i := 0; i < total; i++ {
		if ack, err = send(i); err != nil {
			break
		}
	}

	// 服务端报告缺失分片时补发一轮，然后重发最后一个分片触发合并
	var partial *errs.PartialUploadError
	if errors.As(err, &partial) {
		for _, i := range partial.Missing {
			if i == total-1 {
				continue
			}
			if _, err := send(i); err != nil {
				return nil, err
			}
		}
		ack, err = send(total - 1)
	}
	if err != nil {
		return nil, err
	}
	if !ack.Finalized || ack.Entry == nil {
		return nil, fmt.Errorf("%w: 服务端未确认合并 %s", errs.ErrPartialUpload, name)
	}
	return ack.Entry, nil
}

// postMultipart 以流的方式发送 multipart 表单，不在内存或磁盘上缓存分片。
func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, filename string, body io.Reader, out interface{}) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for k, v := range fields {
				if v == "" {
					continue
				}
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, io.TeeReader(body, progressWriter{c.Progress})); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req)
	// 服务端提前返回时让写端的 goroutine 退出
	pr.Close()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}
	return c.http.Do(req)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse 解析统一的响应信封，非 2xx 状态还原为 errs 中的错误分类。
func decodeResponse(resp *http.Response, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("无法解析响应: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusConflict && len(env.Data) > 0 {
			var data struct {
				Filename    string `json:"filename"`
				TotalChunks int    `json:"totalChunks"`
				Missing     []int  `json:"missing"`
			}
			if json.Unmarshal(env.Data, &data) == nil && len(data.Missing) > 0 {
				return errs.NewPartialUpload(data.Filename, data.TotalChunks, data.Missing)
			}
		}
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return errs.FromStatus(resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// Downloaded 描述一次下载的结果。
type Downloaded struct {
	Path     string
	Name     string
	Size     int64
	Chunked  bool
	Checksum string
}

// Download 把文件流式写入 outDir 下的临时文件，改名为服务端给出的文件名，
// 然后计算摘要并向服务端校验。校验不通过时返回 errs.ErrIntegrityMismatch，文件保留在磁盘上。
func (c *Client) Download(ctx context.Context, id service.Identifier, outDir string) (*Downloaded, error) {
	query := url.Values{}
	if id.ID != 0 {
		query.Set("id", strconv.FormatUint(uint64(id.ID), 10))
	} else {
		query.Set("filename", id.Filename)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files/download?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeResponse(resp, nil)
	}

	name := dispositionName(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = filepath.Base(id.Filename)
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: 响应中没有文件名", errs.ErrStorageFailure)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(outDir, ".tinydist-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	c.Progress.Start(name, resp.ContentLength)
	h := digest.New()
	n, err := io.Copy(io.MultiWriter(tmp, h, progressWriter{c.Progress}), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("%w: 收到 %d 字节, 期望 %d", io.ErrUnexpectedEOF, n, resp.ContentLength)
	}
	if err != nil {
		os.Remove(tmpPath)
		c.Progress.Done(err)
		return nil, err
	}
	dst := filepath.Join(outDir, name)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		c.Progress.Done(err)
		return nil, err
	}
	c.Progress.Done(nil)

	result := &Downloaded{
		Path:     dst,
		Name:     name,
		Size:     n,
		Chunked:  strings.EqualFold(resp.Header.Get("X-Chunked"), "true"),
		Checksum: digest.Hex(h),
	}
	if err := c.Verify(ctx, name, result.Checksum); err != nil {
		return result, err
	}
	return result, nil
}

func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return filepath.Base(params["filename"])
}

// Verify 让服务端比较 checksum 与记录的摘要。
func (c *Client) Verify(ctx context.Context, filename, checksum string) error {
	body, err := json.Marshal(map[string]string{"filename": filename, "checksum": checksum})
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/api/v1/files/verify", nil, strings.NewReader(string(body)), "application/json", nil)
}

// VerifyFile 计算本地文件的摘要并向服务端校验，文件名取 path 的最后一段。
func (c *Client) VerifyFile(ctx context.Context, path string) (string, error) {
	sum, err := digest.File(path)
	if err != nil {
		return "", err
	}
	return sum, c.Verify(ctx, filepath.Base(path), sum)
}

// List 按上传时间倒序列出文件，limit 为 0 时使用服务端默认值。
func (c *Client) List(ctx context.Context, category string, limit int) ([]model.FileMetadata, error) {
	query := url.Values{}
	if category != "" {
		query.Set("category", category)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var files []model.FileMetadata
	if err := c.call(ctx, http.MethodGet, "/api/v1/files", query, nil, "", &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Delete 按 ID 和/或文件名删除文件。
func (c *Client) Delete(ctx context.Context, req service.DeleteRequest) (*service.DeleteResult, error) {
	query := url.Values{}
	if req.ID != 0 {
		query.Set("id", strconv.FormatUint(uint64(req.ID), 10))
	}
	if req.Filename != "" {
		query.Set("filename", req.Filename)
	}
	if req.KeepFile {
		query.Set("keepFile", "true")
	}
	var res service.DeleteResult
	if err := c.call(ctx, http.MethodDelete, "/api/v1/files", query, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status 查询一个文件名的分片上传进度。
func (c *Client) Status(ctx context.Context, filename string) (*service.UploadStatus, error) {
	var status service.UploadStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/upload/status", url.Values{"filename": {filename}}, nil, "", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Reconcile 获取元数据与磁盘之间的差异报告。
func (c *Client) Reconcile(ctx context.Context) (*service.ReconcileReport, error) {
	var report service.ReconcileReport
	if err := c.call(ctx, http.MethodGet, "/api/v1/admin/reconcile", nil, nil, "", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Sweep 清理早于 ttlHours 的 staging 目录，ttlHours 小于 0 时使用服务端配置。
func (c *Client) Sweep(ctx context.Context, ttlHours float64) (*service.SweepResult, error) {
	query := url.Values{}
	if ttlHours >= 0 {
		query.Set("ttlHours", strconv.FormatFloat(ttlHours, 'f', -1, 64))
	}
	var res service.SweepResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/admin/sweep", query, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}
