package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wisefido-autooff/common/logger"
	"wisefido-autooff/internal/config"
	"wisefido-autooff/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-autooff")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	autoOffService, err := service.NewAutoOffService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create auto-off service",
			zap.Error(err),
		)
	}
	defer autoOffService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := autoOffService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（SIGHUP 重新加载配置实例，其余信号优雅关闭）
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-reloadChan:
			log.Info("Received SIGHUP, reloading instances")
			if err := autoOffService.Reload(ctx); err != nil {
				log.Error("Failed to reload instances",
					zap.Error(err),
				)
			}
		case sig := <-sigChan:
			log.Info("Received signal, shutting down",
				zap.String("signal", sig.String()),
			)
			cancel()
			running = false
		case err := <-serviceErrChan:
			log.Error("Service error",
				zap.Error(err),
			)
			cancel()
			autoOffService.Stop()
			os.Exit(1)
		}
	}

	log.Info("Auto-off service stopped")
}
