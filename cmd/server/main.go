package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registry-licensing-system/internal/cache"
	"registry-licensing-system/internal/clock"
	"registry-licensing-system/internal/config"
	"registry-licensing-system/internal/database"
	"registry-licensing-system/internal/handler"
	"registry-licensing-system/internal/logger"
	"registry-licensing-system/internal/middleware"
	"registry-licensing-system/internal/service"
	"registry-licensing-system/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET 未设置，管理端接口将拒绝所有请求")
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.DBPath, log)
	if err != nil {
		log.Fatal("数据库初始化失败", zap.Error(err))
	}

	kv, closeCache := newCache(cfg, log)
	defer closeCache()

	ctx := context.Background()
	sheetSync, err := service.NewSheetSyncService(ctx, cfg.SheetSync.Enabled, cfg.SheetSync.CredentialPath,
		cfg.SheetSync.SpreadsheetID, cfg.SheetSync.SheetName, log)
	if err != nil {
		log.Fatal("Google Sheet 同步初始化失败", zap.Error(err))
	}

	limits, err := service.ParseLimits(cfg.QuotaLimits)
	if err != nil {
		log.Fatal("QUOTA_LIMITS 配置无效", zap.Error(err))
	}

	clk := clock.New()
	records := store.NewGormRecordStore(db)
	var mirror service.LedgerMirror
	if sheetSync != nil {
		mirror = sheetSync
	}
	ledger := service.NewLicenseLedger(kv, clk, mirror, log)
	licenses := service.NewLicenseManager(kv, clk, service.LicenseManagerConfig{
		Demo:    service.DemoLicense{LicenseKey: cfg.DemoLicenseKey, TenantID: cfg.DemoTenantID},
		Ledger:  ledger,
		AuditDB: db,
		Logger:  log,
	})
	reconciler := service.NewReconciler(records, kv, clk, service.ReconcilerConfig{
		StoreTimeout: cfg.StoreTimeout,
		AuditDB:      db,
		Logger:       log,
	})
	quota := service.NewQuotaGate(records, licenses, clk, service.QuotaGateConfig{
		Limits:       limits,
		StoreTimeout: cfg.StoreTimeout,
		Grace:        cfg.QuotaGrace,
		Logger:       log,
	})
	allocator := service.NewSequenceAllocator(reconciler, kv, clk, log)
	registrar := service.NewRegistrar(licenses, quota, allocator, records, kv, clk, service.RegistrarConfig{
		StoreTimeout: cfg.StoreTimeout,
		Logger:       log,
	})

	app := fiber.New(fiber.Config{
		AppName: cfg.AppName,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// 中间件
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))
	app.Use(cors.New())

	handler.New(handler.Deps{
		DB:         db,
		Licenses:   licenses,
		Ledger:     ledger,
		Quota:      quota,
		Reconciler: reconciler,
		Registrar:  registrar,
		Clock:      clk,
		Logger:     log,
	}).Register(app, cfg.JWTSecret)

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Fatal("HTTP 服务异常退出", zap.Error(err))
		}
	}()
	log.Info("服务已启动", zap.String("addr", cfg.HTTPAddr), zap.String("cache", cfg.CacheBackend))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("关闭服务失败", zap.Error(err))
	}
}

func newCache(cfg config.Config, log *zap.Logger) (cache.Cache, func()) {
	if cfg.CacheBackend != config.CacheRedis {
		return cache.NewMemoryCache(), func() {}
	}
	rc, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		log.Fatal("Redis 连接失败", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	return rc, func() {
		if err := rc.Close(); err != nil {
			log.Warn("关闭 Redis 连接失败", zap.Error(err))
		}
	}
}
