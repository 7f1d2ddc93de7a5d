package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labflow/protocol-engine/internal/storage"
	"github.com/labflow/protocol-engine/pkg/api"
	"github.com/labflow/protocol-engine/pkg/config"
	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/core/registry"
	pkgstorage "github.com/labflow/protocol-engine/pkg/storage"
)

var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "./configs/engine.yaml", "引擎配置文件路径")
	host := flag.String("host", "", "监听地址（覆盖配置文件）")
	port := flag.Int("port", 0, "监听端口（覆盖配置文件）")
	flag.Parse()

	log.Printf("Protocol Engine Server v%s", Version)
	log.Printf("配置文件: %s", *configPath)

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 2. 初始化存储
	factory, err := storage.NewDatabaseFactory(cfg.GetDatabaseType(), cfg.GetDatabaseDSN())
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}
	defer factory.Close()

	repo, err := factory.CreateAnalysisRepo()
	if err != nil {
		log.Fatalf("创建分析仓库失败: %v", err)
	}

	// 3. 创建并启动Engine
	eng := engine.NewEngine(registry.NewInMemoryRegistry(),
		engine.WithResultSink(pkgstorage.NewSink(repo)),
		engine.WithCacheTTL(cfg.GetCacheTTL()),
		engine.WithMaxConcurrency(cfg.GetMaxConcurrency()),
	)
	eng.Start()

	// 4. 创建API服务器
	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.ProtocolEngine.Server.Host
	serverConfig.Port = cfg.ProtocolEngine.Server.Port
	if *host != "" {
		serverConfig.Host = *host
	}
	if *port > 0 {
		serverConfig.Port = *port
	}

	apiServer := api.NewAPIServer(eng, repo, serverConfig, Version)

	// 5. 在goroutine中启动API服务器
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("API服务器错误: %v", err)
		}
	}()

	log.Printf("✅ Protocol Engine Server started on %s:%d", serverConfig.Host, serverConfig.Port)

	// 6. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 7. 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.WriteTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭API服务器失败: %v", err)
	}

	eng.Stop()
	log.Println("✅ 服务已停止")
}
