// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"tinydist/internal/config"
	"tinydist/internal/filestore"
	"tinydist/internal/handler"
	"tinydist/internal/pipeline"
	"tinydist/internal/repository"
	"tinydist/internal/service"
	"tinydist/pkg/database"
	"tinydist/pkg/kafka"
	"tinydist/pkg/log"
	"tinydist/pkg/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "./configs/config.yaml", "配置文件路径，为空时只使用环境变量")
	pflag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化元数据目录、Redis、本地存储和对象存储镜像
	db, err := database.OpenCatalog(cfg.Database)
	if err != nil {
		log.Fatal("元数据目录初始化失败", err)
	}
	defer database.Close(db)
	rdb, err := database.NewRedis(rootCtx, cfg.Database.Redis)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	store, err := filestore.New(cfg.Storage.Root)
	if err != nil {
		log.Fatal("存储目录初始化失败", err)
	}
	mirror, err := storage.NewMirror(rootCtx, cfg.MinIO)
	if err != nil {
		log.Fatal("MinIO 初始化失败", err)
	}

	// 4. 初始化 Repository
	fileRepo := repository.NewFileRepository(db)
	chunkRepo := repository.NewChunkRepository(db, rdb)

	// 5. 初始化文件处理管道，配置了 Kafka 时通过 Kafka 投递，否则在进程内处理
	var objectMirror pipeline.ObjectMirror
	var links service.LinkProvider
	if mirror != nil {
		objectMirror = mirror
		links = mirror
	}
	processor := pipeline.NewProcessor(objectMirror)
	var publisher service.TaskPublisher
	var inline *pipeline.InlinePublisher
	if cfg.Kafka.Enabled() {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer
		go kafka.StartConsumer(rootCtx, cfg.Kafka, processor, rdb)
	} else {
		inline = pipeline.NewInlinePublisher(processor)
		publisher = inline
	}

	// 6. 初始化 Service (依赖注入)
	locks := service.NewKeyLock()
	uploadService := service.NewUploadService(store, fileRepo, chunkRepo, publisher, locks)
	retrievalService := service.NewRetrievalService(fileRepo)
	verifyService := service.NewVerifyService(fileRepo)
	catalogService := service.NewCatalogService(store, fileRepo, chunkRepo, links, locks, cfg.Catalog.DefaultListLimit, cfg.Catalog.MaxListLimit)

	stopSweeper := catalogService.StartSweeper(rootCtx, cfg.GC.Interval, cfg.GC.TTL)
	defer stopSweeper()

	// 6.1 导入 seed 目录中的文件，已存在的文件名跳过
	if cfg.Server.SeedDir != "" {
		go importSeedFiles(rootCtx, cfg.Server.SeedDir, fileRepo, uploadService)
	}

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Services{
		Store:     store,
		Files:     fileRepo,
		Uploads:   uploadService,
		Retrieval: retrievalService,
		Verify:    verifyService,
		Catalog:   catalogService,
	}, handler.RouterOptions{
		AuthToken:          cfg.Server.AuthToken,
		AdminToken:         cfg.Server.AdminToken,
		StreamBlockSize:    cfg.Server.StreamBlockSize,
		MaxMultipartMemory: cfg.Server.MaxMultipartMemory,
		SweepTTL:           cfg.GC.TTL,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s, 存储目录: %s", srv.Addr, store.Root())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 停止消费者和清理任务，等待进程内的任务处理完
	cancelRoot()
	if inline != nil {
		inline.Wait()
	}
	log.Info("服务已优雅关闭")
}

// importSeedFiles 扫描目录下文件并通过标准上传流程导入（幂等）。
func importSeedFiles(ctx context.Context, dir string, files repository.FileRepository, uploads service.UploadService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("[SeedImport] 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()

		// 幂等检查：同名文件已存在则跳过
		if _, ferr := files.FindByFilename(ctx, name); ferr == nil {
			log.Infof("[SeedImport] 已存在，跳过: %s", name)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("[SeedImport] 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()
		entry, err := uploads.UploadSingle(ctx, service.SingleUpload{Filename: name, Body: f})
		if err != nil {
			log.Warnf("[SeedImport] 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("[SeedImport] 导入完成: %s (id=%d, checksum=%s)", name, entry.ID, entry.Checksum)
		return nil
	})
	if walkErr != nil {
		log.Warnf("[SeedImport] 遍历目录发生错误: %v", walkErr)
	}
}
