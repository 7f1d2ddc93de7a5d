// Package registry 提供仪器/试剂注册表的查询契约
// 注册表由外部服务提供，引擎只做同步只读查询；
// 查询未命中是非致命输入，由验证规则降级为warning
package registry

import (
	"errors"
	"sync"
)

// ErrNotFound 注册表未命中（非致命）
var ErrNotFound = errors.New("registry: not found")

// CalibrationValid 校准状态：有效
const CalibrationValid = "valid"

// CalibrationExpired 校准状态：过期
const CalibrationExpired = "expired"

// InstrumentInfo 仪器信息（对外导出）
type InstrumentInfo struct {
	ID                string   `json:"id" yaml:"id"`
	Type              string   `json:"type" yaml:"type"`
	Capabilities      []string `json:"capabilities" yaml:"capabilities"`
	MinTemperature    float64  `json:"min_temperature" yaml:"min_temperature"`
	MaxTemperature    float64  `json:"max_temperature" yaml:"max_temperature"`
	Availability      int      `json:"availability" yaml:"availability"`           // 可用台数
	Exclusive         bool     `json:"exclusive" yaml:"exclusive"`                 // 是否独占使用
	CalibrationStatus string   `json:"calibration_status" yaml:"calibration_status"`
}

// ReagentInfo 试剂信息（对外导出）
type ReagentInfo struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Hazardous  bool    `json:"hazardous" yaml:"hazardous"`
	Stock      float64 `json:"stock" yaml:"stock"`
	CostPerUse float64 `json:"cost_per_use" yaml:"cost_per_use"`
}

// Registry 注册表查询接口（对外导出）
// 实现方不做任何I/O之外的副作用，查询必须是同步数据读取
type Registry interface {
	// LookupInstrument 按ID或类型查询仪器，未命中返回ErrNotFound
	LookupInstrument(idOrType string) (*InstrumentInfo, error)
	// LookupReagent 按ID查询试剂，未命中返回ErrNotFound
	LookupReagent(id string) (*ReagentInfo, error)
}

// InMemoryRegistry 内存注册表实现（对外导出）
// 用于测试与单机部署；生产环境由外部注册表服务适配同一接口
type InMemoryRegistry struct {
	mu          sync.RWMutex
	instruments map[string]*InstrumentInfo
	reagents    map[string]*ReagentInfo
}

// NewInMemoryRegistry 创建内存注册表实例
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		instruments: make(map[string]*InstrumentInfo),
		reagents:    make(map[string]*ReagentInfo),
	}
}

// AddInstrument 注册仪器
func (r *InMemoryRegistry) AddInstrument(info *InstrumentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[info.ID] = info
}

// AddReagent 注册试剂
func (r *InMemoryRegistry) AddReagent(info *ReagentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reagents[info.ID] = info
}

// LookupInstrument 按ID或类型查询仪器（实现Registry接口）
func (r *InMemoryRegistry) LookupInstrument(idOrType string) (*InstrumentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.instruments[idOrType]; ok {
		return info, nil
	}
	// 按类型匹配（编辑器允许引用仪器类型而非具体台号）
	for _, info := range r.instruments {
		if info.Type == idOrType {
			return info, nil
		}
	}
	return nil, ErrNotFound
}

// LookupReagent 按ID查询试剂（实现Registry接口）
func (r *InMemoryRegistry) LookupReagent(id string) (*ReagentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.reagents[id]; ok {
		return info, nil
	}
	return nil, ErrNotFound
}
