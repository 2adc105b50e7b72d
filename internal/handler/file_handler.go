package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tinydist/internal/service"
	"tinydist/pkg/log"
)

// ChunkedHeader 标记响应是由多个分片拼接而成的。
const ChunkedHeader = "X-Chunked"

// FileHandler 负责文件列表、下载、校验、删除等请求。
type FileHandler struct {
	retrieval service.RetrievalService
	verify    service.VerifyService
	catalog   service.CatalogService
	blockSize int
}

// NewFileHandler 创建一个新的 FileHandler 实例。blockSize 是下载时每次写出的字节数。
func NewFileHandler(retrieval service.RetrievalService, verify service.VerifyService, catalog service.CatalogService, blockSize int) *FileHandler {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	return &FileHandler{retrieval: retrieval, verify: verify, catalog: catalog, blockSize: blockSize}
}

// ListFiles 处理文件列表请求，按上传时间倒序。
func (h *FileHandler) ListFiles(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "无效的 limit 参数")
			return
		}
		limit = n
	}
	files, err := h.catalog.List(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		respondError(c, "ListFiles", err)
		return
	}
	respondOK(c, "获取文件列表成功", files)
}

func parseIdentifier(c *gin.Context) (service.Identifier, bool) {
	var id service.Identifier
	if s := c.Query("id"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || n == 0 {
			return id, false
		}
		id.ID = uint(n)
	}
	id.Filename = c.Query("filename")
	return id, id.ID != 0 || id.Filename != ""
}

// Download 以固定大小的块流式输出文件内容，每块写出后 flush。
func (h *FileHandler) Download(c *gin.Context) {
	id, ok := parseIdentifier(c)
	if !ok {
		badRequest(c, "需要提供有效的 id 或 filename 参数")
		return
	}

	d, err := h.retrieval.Open(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Download", err)
		return
	}
	defer d.Body.Close()

	if d.Chunked {
		c.Header(ChunkedHeader, "True")
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Name))
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(d.Size, 10))
	c.Status(http.StatusOK)

	n, err := streamBlocks(c, d.Body, h.blockSize)
	if err != nil {
		// 响应头已经发出，只能中断连接
		log.Warnf("[Download] 传输中断, 文件名: %s, 已发送: %d/%d, error: %v", d.Name, n, d.Size, err)
		return
	}
}

var errClientGone = errors.New("client disconnected")

// streamBlocks 按 blockSize 读取并写出，客户端断开或写失败时立即停止。
func streamBlocks(c *gin.Context, r io.Reader, blockSize int) (int64, error) {
	buf := make([]byte, blockSize)
	ctx := c.Request.Context()
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, errClientGone
		default:
		}

		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			c.Writer.Flush()
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// VerifyRequest 定义了校验接口的请求体，支持表单和 JSON。
type VerifyRequest struct {
	Filename string `form:"filename" json:"filename" binding:"required"`
	Checksum string `form:"checksum" json:"checksum" binding:"required"`
}

// VerifyFile 比较客户端计算的摘要与记录的摘要。
func (h *FileHandler) VerifyFile(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	if err := h.verify.Verify(c.Request.Context(), req.Filename, req.Checksum); err != nil {
		respondError(c, "VerifyFile", err)
		return
	}
	respondOK(c, "校验通过", gin.H{"filename": req.Filename, "match": true})
}

// DeleteFile 按 id 和/或 filename 删除文件。
func (h *FileHandler) DeleteFile(c *gin.Context) {
	id, ok := parseIdentifier(c)
	if !ok {
		badRequest(c, "需要提供有效的 id 或 filename 参数")
		return
	}
	keepFile := false
	if s := c.Query("keepFile"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, "无效的 keepFile 参数")
			return
		}
		keepFile = v
	}

	res, err := h.catalog.Delete(c.Request.Context(), service.DeleteRequest{ID: id.ID, Filename: id.Filename, KeepFile: keepFile})
	if err != nil {
		respondError(c, "DeleteFile", err)
		return
	}
	respondOK(c, "删除完成", res)
}

// GetLink 返回镜像对象的预签名下载链接。
func (h *FileHandler) GetLink(c *gin.Context) {
	filename := c.Query("filename")
	if filename == "" {
		badRequest(c, "缺少 filename 参数")
		return
	}
	link, err := h.catalog.Link(c.Request.Context(), filename)
	if err != nil {
		respondError(c, "GetLink", err)
		return
	}
	respondOK(c, "获取下载链接成功", link)
}
