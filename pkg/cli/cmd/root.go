// Package cmd 实现protocol-engine命令行工具的各子命令
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// 全局变量
	outputJSON bool
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "protocol-engine",
	Short: "Protocol Engine CLI - 实验方案分析命令行工具",
	Long: `Protocol Engine CLI 是一个用于分析实验方案的命令行工具。

支持的功能：
  - 分析方案文件（依赖图、调度、验证、风险）
  - 批量分析多个方案文件
  - 启动HTTP API服务

使用示例：
  # 分析单个方案
  protocol-engine analyze ./pcr.json

  # 指定仪器/试剂注册表
  protocol-engine analyze ./pcr.json --registry ./lab.yaml

  # 仅执行验证
  protocol-engine analyze ./pcr.json --type validation

  # 启动HTTP服务
  protocol-engine server start --port 8080`,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")

	// 添加子命令
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}
