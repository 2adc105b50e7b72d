// Package errs 定义了服务端与客户端共用的错误分类。
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	ErrPartialUpload     = errors.New("partial upload")
	ErrStorageFailure    = errors.New("storage failure")
	ErrInvalidRequest    = errors.New("invalid request")
)

// PartialUploadError 在最后一个分片到达但仍有分片缺失时返回。
type PartialUploadError struct {
	Filename    string
	TotalChunks int
	Missing     []int
}

func (e *PartialUploadError) Error() string {
	idx := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		idx = append(idx, fmt.Sprint(m))
	}
	return fmt.Sprintf("partial upload: %s is missing chunks [%s] of %d", e.Filename, strings.Join(idx, ","), e.TotalChunks)
}

func (e *PartialUploadError) Unwrap() error { return ErrPartialUpload }

// NewPartialUpload 构造一个 PartialUploadError，missing 会被排序。
func NewPartialUpload(filename string, total int, missing []int) error {
	sorted := append([]int(nil), missing...)
	sort.Ints(sorted)
	return &PartialUploadError{Filename: filename, TotalChunks: total, Missing: sorted}
}

// Kind 返回错误所属的分类名称，未知错误归为 StorageFailure。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrIntegrityMismatch):
		return "IntegrityMismatch"
	case errors.Is(err, ErrPartialUpload):
		return "PartialUpload"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	default:
		return "StorageFailure"
	}
}

// StatusCode 把错误映射为 HTTP 状态码。
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPartialUpload):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus 是 StatusCode 的逆映射，供客户端把响应还原为错误分类。
func FromStatus(status int, message string) error {
	var base error
	switch status {
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusUnprocessableEntity:
		base = ErrIntegrityMismatch
	case http.StatusConflict:
		base = ErrPartialUpload
	case http.StatusBadRequest:
		base = ErrInvalidRequest
	default:
		base = ErrStorageFailure
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
