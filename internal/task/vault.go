package task

import (
	"sync"

	"pharmassist/internal/agent"
)

// CredentialVault 在进程内按任务保存提交时携带的凭据，任务进入终态后删除。
// 凭据不会写入任务存储，跨进程消费的任务回退到服务端默认凭据。
type CredentialVault struct {
	mu    sync.RWMutex
	items map[string]agent.Credentials
}

// NewCredentialVault 创建空的凭据保管箱。
func NewCredentialVault() *CredentialVault {
	return &CredentialVault{items: make(map[string]agent.Credentials)}
}

// Put 保存任务凭据，空凭据不做记录。
func (v *CredentialVault) Put(taskID string, creds agent.Credentials) {
	if v == nil || taskID == "" || creds == (agent.Credentials{}) {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[taskID] = creds
}

// Get 返回任务凭据。
func (v *CredentialVault) Get(taskID string) (agent.Credentials, bool) {
	if v == nil {
		return agent.Credentials{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	creds, ok := v.items[taskID]
	return creds, ok
}

// Delete 移除任务凭据。
func (v *CredentialVault) Delete(taskID string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.items, taskID)
	v.mu.Unlock()
}
