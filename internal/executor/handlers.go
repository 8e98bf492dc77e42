// ============================================================================
// Falcon-Queue 執行器 - Handler 註冊表
// ============================================================================
//
// handler 在註冊時解析綁定。解析順序：
//   1. 任務 type 的專屬 handler
//   2. agent_type 的預設 handler
//
// 兩者皆未註冊時任務無法執行，會走失敗路徑等待 handler 補註冊。
//
// ============================================================================

package executor

import (
	"sync"

	"github.com/ChuLiYu/falcon-queue/pkg/types"
)

// HandlerRegistry 任務 handler 註冊表，可併發讀寫
type HandlerRegistry struct {
	mu      sync.RWMutex
	byType  map[string]types.TaskHandler
	byAgent map[string]types.TaskHandler
}

// NewHandlerRegistry 建立空的註冊表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byType:  make(map[string]types.TaskHandler),
		byAgent: make(map[string]types.TaskHandler),
	}
}

// RegisterType 為特定任務 type 綁定 handler，重複註冊以後者為準
func (r *HandlerRegistry) RegisterType(taskType string, h types.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = h
}

// RegisterAgentDefault 為整個 agent_type 綁定預設 handler
func (r *HandlerRegistry) RegisterAgentDefault(agentType string, h types.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agentType] = h
}

// Resolve 依任務 type 與 agent_type 解析出 handler；找不到時回傳 false
func (r *HandlerRegistry) Resolve(taskType, agentType string) (types.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byType[taskType]; ok {
		return h, true
	}
	if h, ok := r.byAgent[agentType]; ok {
		return h, true
	}
	return nil, false
}

// HasHandlerFor 回報該任務 type / agent_type 是否已有可用 handler
func (r *HandlerRegistry) HasHandlerFor(taskType, agentType string) bool {
	_, ok := r.Resolve(taskType, agentType)
	return ok
}
