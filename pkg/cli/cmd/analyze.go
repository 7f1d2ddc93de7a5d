package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labflow/protocol-engine/pkg/cli/output"
	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/registry"
)

var (
	registryPath   string
	analysisType   string
	maxSuggestions int
)

// registryFile 注册表文件结构（YAML）
type registryFile struct {
	Instruments []registry.InstrumentInfo `yaml:"instruments"`
	Reagents    []registry.ReagentInfo    `yaml:"reagents"`
}

// analyzeCmd analyze子命令
var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "分析实验方案文件",
	Long: `对实验方案文件执行依赖与验证分析，支持JSON和YAML格式。

示例：
  # 完整分析
  protocol-engine analyze ./pcr.json

  # 带仪器/试剂注册表
  protocol-engine analyze ./pcr.json --registry ./lab.yaml

  # 仅执行验证
  protocol-engine analyze ./pcr.yaml --type validation

  # JSON格式输出
  protocol-engine analyze ./pcr.json -j`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadDocument(args[0])
		if err != nil {
			output.Error("读取方案文件失败: %v", err)
			return err
		}

		reg := registry.NewInMemoryRegistry()
		if registryPath != "" {
			if err := loadRegistry(registryPath, reg); err != nil {
				output.Error("读取注册表失败: %v", err)
				return err
			}
		}

		eng := engine.NewEngine(reg)
		result, err := eng.Analyze(context.Background(), &engine.Request{
			Document:       doc,
			Type:           engine.AnalysisType(analysisType),
			MaxSuggestions: maxSuggestions,
			SkipCache:      true,
		})
		if err != nil {
			output.Error("分析失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(result)
		}

		renderResult(result)
		return nil
	},
}

// loadDocument 按扩展名解析方案文件
func loadDocument(path string) (*protocol.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return protocol.ParseYAML(data)
	default:
		return protocol.ParseJSON(data)
	}
}

// loadRegistry 从YAML文件加载仪器与试剂注册表
func loadRegistry(path string, reg *registry.InMemoryRegistry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析注册表文件失败: %w", err)
	}

	for i := range file.Instruments {
		reg.AddInstrument(&file.Instruments[i])
	}
	for i := range file.Reagents {
		reg.AddReagent(&file.Reagents[i])
	}
	return nil
}

// renderResult 以表格形式渲染分析结果
func renderResult(result *engine.Result) {
	fmt.Printf("方案:     %s (v%d)\n", result.ProcedureID, result.Version)
	fmt.Printf("步骤数:   %d\n", result.Metadata.StepCount)
	if result.Metadata.EstimatedDuration > 0 {
		fmt.Printf("预计时长: %s\n", result.Metadata.EstimatedDuration)
	}

	if result.Validation != nil {
		fmt.Println()
		if result.Validation.IsValid {
			output.Success("验证通过，总分 %.1f", result.Validation.Score)
		} else {
			output.Warning("验证未通过，总分 %.1f", result.Validation.Score)
		}

		table := output.NewTable([]string{"CATEGORY", "WEIGHT", "PASSED", "SCORE"})
		for _, cat := range result.Validation.Categories {
			table.AddRow([]string{
				string(cat.Category),
				fmt.Sprintf("%.0f", cat.Weight),
				fmt.Sprintf("%d/%d", cat.Passed, cat.Total),
				fmt.Sprintf("%.1f", cat.Score),
			})
		}
		table.Render()

		for _, cat := range result.Validation.Categories {
			for _, rr := range cat.Results {
				if rr.Passed {
					continue
				}
				fmt.Printf("  [%s] %s: %s\n", output.Severity(string(rr.Severity)), rr.RuleID, rr.Message)
			}
		}
	}

	if result.Schedule != nil {
		fmt.Println()
		fmt.Printf("关键路径: %s (%s)\n",
			strings.Join(result.Schedule.CriticalPath.Steps, " -> "),
			result.Schedule.CriticalPath.Duration)
		for _, pg := range result.Schedule.ParallelGroups {
			fmt.Printf("并行组:   L%d %v 可节省 %s\n", pg.Level, pg.Steps, pg.TimeSaving)
		}
		for _, b := range result.Schedule.Bottlenecks {
			output.Warning("瓶颈 [%s] %s: %s", b.Kind, b.StepID, b.Reason)
		}
	}

	if result.Assessment != nil && len(result.Assessment.Risks) > 0 {
		fmt.Println()
		fmt.Printf("风险等级: %s\n", output.Severity(string(result.Assessment.OverallLevel)))
		table := output.NewTable([]string{"RISK", "SEVERITY", "DESCRIPTION"})
		for _, r := range result.Assessment.Risks {
			table.AddRow([]string{string(r.Category), string(r.Severity), r.Description})
		}
		table.Render()
	}

	if result.Assessment != nil && len(result.Assessment.Suggestions) > 0 {
		fmt.Println("\n优化建议:")
		for _, s := range result.Assessment.Suggestions {
			fmt.Printf("  - [%s] %s（%s）\n", s.Category, s.Strategy, s.ExpectedImpact)
		}
	}
}

func init() {
	analyzeCmd.Flags().StringVarP(&registryPath, "registry", "r", "", "仪器/试剂注册表文件（YAML）")
	analyzeCmd.Flags().StringVarP(&analysisType, "type", "t", "full", "分析类型 (full|dependencies|validation|risk)")
	analyzeCmd.Flags().IntVarP(&maxSuggestions, "max-suggestions", "m", 10, "优化建议数量上限")
}
