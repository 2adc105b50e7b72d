package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"tinydist/internal/filestore"
	"tinydist/internal/middleware"
	"tinydist/internal/repository"
	"tinydist/internal/service"
)

// Services 汇总了路由需要的所有依赖。
type Services struct {
	Store     *filestore.Store
	Files     repository.FileRepository
	Uploads   service.UploadService
	Retrieval service.RetrievalService
	Verify    service.VerifyService
	Catalog   service.CatalogService
}

// RouterOptions 是路由层的可调参数。
type RouterOptions struct {
	AuthToken          string
	AdminToken         string
	StreamBlockSize    int
	MaxMultipartMemory int64
	SweepTTL           time.Duration
}

// NewRouter 创建 gin 引擎并注册所有路由。
func NewRouter(svc Services, opts RouterOptions) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	if opts.MaxMultipartMemory > 0 {
		r.MaxMultipartMemory = opts.MaxMultipartMemory
	}

	health := NewHealthHandler(svc.Files.Ping, svc.Store.Usage)
	r.GET("/health", health.Health)

	uploadHandler := NewUploadHandler(svc.Uploads)
	fileHandler := NewFileHandler(svc.Retrieval, svc.Verify, svc.Catalog, opts.StreamBlockSize)
	adminHandler := NewAdminHandler(svc.Catalog, opts.SweepTTL)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(opts.AuthToken))
	{
		upload := apiV1.Group("/upload")
		{
			upload.POST("", uploadHandler.Upload)
			upload.POST("/chunk", uploadHandler.UploadChunk)
			upload.GET("/status", uploadHandler.GetUploadStatus)
		}

		files := apiV1.Group("/files")
		{
			files.GET("", fileHandler.ListFiles)
			files.DELETE("", fileHandler.DeleteFile)
			files.GET("/download", fileHandler.Download)
			files.POST("/verify", fileHandler.VerifyFile)
			files.GET("/link", fileHandler.GetLink)
		}

		// 管理路由组，需要同时通过认证和管理 token 两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AdminAuthMiddleware(opts.AdminToken))
		{
			admin.GET("/reconcile", adminHandler.Reconcile)
			admin.POST("/sweep", adminHandler.Sweep)
		}
	}
	return r
}
