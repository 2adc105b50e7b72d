package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"tinydist/internal/service"
)

// UploadHandler 负责处理所有与文件上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// Upload 处理不分片的上传。表单字段：file、filename（可选，默认取文件名）、category、checksum。
func (h *UploadHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "未能获取上传的文件")
		return
	}
	defer file.Close()

	filename := c.PostForm("filename")
	if filename == "" {
		filename = header.Filename
	}

	entry, err := h.uploadService.UploadSingle(c.Request.Context(), service.SingleUpload{
		Filename: filename,
		Category: c.PostForm("category"),
		Checksum: c.PostForm("checksum"),
		Body:     file,
	})
	if err != nil {
		respondError(c, "Upload", err)
		return
	}
	respondOK(c, "文件上传成功", entry)
}

// UploadChunk 处理分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	chunkIndexStr := c.PostForm("chunkIndex")
	totalChunksStr := c.PostForm("totalChunks")
	uploadID := c.PostForm("uploadId")
	if chunkIndexStr == "" || totalChunksStr == "" || uploadID == "" {
		badRequest(c, "缺少必要的参数 uploadId、chunkIndex 或 totalChunks")
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		badRequest(c, "无效的分片索引")
		return
	}
	totalChunks, err := strconv.Atoi(totalChunksStr)
	if err != nil {
		badRequest(c, "无效的分片总数")
		return
	}

	// 获取上传的分片文件
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "未能获取上传的分片")
		return
	}
	defer file.Close()

	filename := c.PostForm("filename")
	if filename == "" {
		filename = header.Filename
	}

	ack, err := h.uploadService.UploadChunk(c.Request.Context(), service.ChunkUpload{
		Filename:    filename,
		UploadID:    uploadID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Category:    c.PostForm("category"),
		Checksum:    c.PostForm("checksum"),
		Body:        file,
	})
	if err != nil {
		respondError(c, "UploadChunk", err)
		return
	}

	message := "分片上传成功"
	if ack.Finalized {
		message = "文件合并成功"
	}
	respondOK(c, message, ack)
}

// GetUploadStatus 处理获取文件上传状态的请求。
func (h *UploadHandler) GetUploadStatus(c *gin.Context) {
	filename := c.Query("filename")
	if filename == "" {
		badRequest(c, "缺少 filename 参数")
		return
	}
	status, err := h.uploadService.Status(c.Request.Context(), filename)
	if err != nil {
		respondError(c, "GetUploadStatus", err)
		return
	}
	respondOK(c, "获取上传状态成功", status)
}
