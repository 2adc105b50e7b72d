package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"tinydist/internal/service"
	"tinydist/pkg/log"
)

// AdminHandler 负责对账和清理等运维接口。
type AdminHandler struct {
	catalog    service.CatalogService
	defaultTTL time.Duration
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(catalog service.CatalogService, defaultTTL time.Duration) *AdminHandler {
	return &AdminHandler{catalog: catalog, defaultTTL: defaultTTL}
}

// Reconcile 返回元数据与磁盘之间的差异报告。
func (h *AdminHandler) Reconcile(c *gin.Context) {
	report, err := h.catalog.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, "Reconcile", err)
		return
	}
	respondOK(c, "对账完成", report)
}

// Sweep 清理过期的 staging 目录。ttlHours 省略时使用配置中的 gc.ttl。
func (h *AdminHandler) Sweep(c *gin.Context) {
	ttl := h.defaultTTL
	if s := c.Query("ttlHours"); s != "" {
		hours, err := strconv.ParseFloat(s, 64)
		if err != nil || hours < 0 {
			badRequest(c, "无效的 ttlHours 参数")
			return
		}
		ttl = time.Duration(hours * float64(time.Hour))
	}
	res, err := h.catalog.SweepStaging(c.Request.Context(), ttl)
	if err != nil {
		respondError(c, "Sweep", err)
		return
	}
	respondOK(c, "清理完成", res)
}

// HealthHandler 提供存活检查。
type HealthHandler struct {
	ping  func(ctx context.Context) error
	usage func() (int64, error)
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(ping func(ctx context.Context) error, usage func() (int64, error)) *HealthHandler {
	return &HealthHandler{ping: ping, usage: usage}
}

// Health 检查元数据目录连接并报告存储占用。
func (h *HealthHandler) Health(c *gin.Context) {
	data := gin.H{"status": "ok"}
	status := http.StatusOK
	if err := h.ping(c.Request.Context()); err != nil {
		log.Warnf("[Health] 元数据目录不可用: %v", err)
		data["status"] = "degraded"
		data["catalog"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if bytes, err := h.usage(); err == nil {
		data["storageBytes"] = bytes
		data["storage"] = humanize.IBytes(uint64(bytes))
	}
	c.JSON(status, gin.H{"code": status, "message": data["status"], "data": data})
}
