package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/labflow/protocol-engine/internal/storage"
	"github.com/labflow/protocol-engine/pkg/api"
	"github.com/labflow/protocol-engine/pkg/cli/output"
	"github.com/labflow/protocol-engine/pkg/config"
	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/core/registry"
	pkgstorage "github.com/labflow/protocol-engine/pkg/storage"
)

var (
	serverPort int
	serverHost string
	configPath string
)

// serverCmd server子命令
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "服务管理命令",
	Long:  `管理Protocol Engine HTTP API服务。`,
}

// serverStartCmd 启动服务
var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动HTTP API服务",
	Long: `启动Protocol Engine HTTP API服务。

示例：
  # 使用默认配置启动
  protocol-engine server start

  # 指定端口启动
  protocol-engine server start --port 8080

  # 指定配置文件启动
  protocol-engine server start --config ./configs/engine.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 定位配置文件（未指定时尝试默认路径，都缺失时使用内置默认值）
		if configPath == "" {
			defaultPaths := []string{
				"./configs/engine.yaml",
				"./config/engine.yaml",
				"./engine.yaml",
			}
			for _, p := range defaultPaths {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
		if configPath != "" {
			output.Info("使用配置文件: %s", configPath)
		} else {
			output.Info("未找到配置文件，使用默认配置")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			output.Error("加载配置失败: %v", err)
			return err
		}

		// 2. 初始化存储
		factory, err := storage.NewDatabaseFactory(cfg.GetDatabaseType(), cfg.GetDatabaseDSN())
		if err != nil {
			output.Error("初始化存储失败: %v", err)
			return err
		}
		defer factory.Close()

		repo, err := factory.CreateAnalysisRepo()
		if err != nil {
			output.Error("创建分析仓库失败: %v", err)
			return err
		}

		// 3. 创建并启动Engine
		eng := engine.NewEngine(registry.NewInMemoryRegistry(),
			engine.WithResultSink(pkgstorage.NewSink(repo)),
			engine.WithCacheTTL(cfg.GetCacheTTL()),
			engine.WithMaxConcurrency(cfg.GetMaxConcurrency()),
		)
		eng.Start()

		// 4. 创建API服务器配置（命令行参数优先于配置文件）
		serverConfig := api.DefaultServerConfig()
		serverConfig.Host = cfg.ProtocolEngine.Server.Host
		serverConfig.Port = cfg.ProtocolEngine.Server.Port
		if cmd.Flags().Changed("host") {
			serverConfig.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			serverConfig.Port = serverPort
		}

		apiServer := api.NewAPIServer(eng, repo, serverConfig, Version)

		// 5. 在goroutine中启动服务器
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Printf("API服务器错误: %v", err)
			}
		}()

		output.Success("Protocol Engine Server started on %s:%d", serverConfig.Host, serverConfig.Port)

		// 6. 等待中断信号
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		output.Info("正在关闭服务...")

		// 7. 优雅关闭
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.WriteTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			output.Error("关闭API服务器失败: %v", err)
		}

		eng.Stop()
		output.Success("服务已停止")

		return nil
	},
}

func init() {
	serverStartCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "监听端口")
	serverStartCmd.Flags().StringVarP(&serverHost, "host", "H", "0.0.0.0", "监听地址")
	serverStartCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")

	serverCmd.AddCommand(serverStartCmd)
}
