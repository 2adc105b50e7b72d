// Package digest 计算和比较文件内容的 SHA-256 摘要。
//
// 摘要总是针对完整的原始文件，而不是单个分片：上传前在客户端计算一次，
// 下载并重组后再计算一次，两者必须完全相等。
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Size 是十六进制摘要字符串的长度。
const Size = sha256.Size * 2

// New 返回一个新的摘要计算器，可配合 io.MultiWriter / io.TeeReader 使用。
func New() hash.Hash {
	return sha256.New()
}

// Hex 把 hash.Hash 的当前结果编码为小写十六进制字符串。
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Reader 读取 r 直到 EOF 并返回其摘要和字节数。
func Reader(r io.Reader) (string, int64, error) {
	h := New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return Hex(h), n, nil
}

// File 计算本地文件的摘要。
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, _, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("计算文件摘要失败 %s: %w", path, err)
	}
	return sum, nil
}

// Valid 判断 s 是否是合法的十六进制 SHA-256 摘要。
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Normalize 去掉首尾空白并转为小写，便于比较客户端提交的值。
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal 对两个摘要做精确的字符串比较。
func Equal(expected, actual string) bool {
	return expected != "" && Normalize(expected) == Normalize(actual)
}
