// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tinydist/pkg/errs"
	"tinydist/pkg/log"
)

// respondOK 写出统一的成功响应。
func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

// respondError 按错误分类写出状态码。分片不完整时 data 中带上缺失的分片序号。
func respondError(c *gin.Context, op string, err error) {
	status := errs.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+": failed", err)
	}
	body := gin.H{
		"code":    status,
		"message": err.Error(),
		"kind":    errs.Kind(err),
	}
	var partial *errs.PartialUploadError
	if errors.As(err, &partial) {
		body["data"] = gin.H{
			"filename":    partial.Filename,
			"totalChunks": partial.TotalChunks,
			"missing":     partial.Missing,
		}
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    http.StatusBadRequest,
		"message": message,
		"kind":    errs.Kind(errs.ErrInvalidRequest),
	})
}
