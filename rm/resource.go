package rm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Resource 分支资源, 对应一个数据源
// 1. 在 ResourceManager 启动时注册进资源注册中心, 握手时资源 id 会上报给 TC
// 2. TC 下发二阶段指令时, 根据指令中的资源 id 找到对应的资源执行提交或回滚
type Resource interface {
	// ResourceID 资源唯一 id
	ResourceID() string
	// BranchType 资源参与的分支事务模式
	BranchType() protocol.BranchType
	// BranchCommit 二阶段提交, 需要幂等
	BranchCommit(ctx context.Context, xid string, branchID int64) error
	// BranchRollback 二阶段回滚, 需要幂等
	BranchRollback(ctx context.Context, xid string, branchID int64) error
}

// UndoLogCleaner 支持按保留天数清理 undo 日志的资源
type UndoLogCleaner interface {
	CleanUndoLog(ctx context.Context, saveDays int) error
}

// registryCenter 资源注册中心
// 1. 通过 map 存储资源 id 与资源的映射
// 2. 通过读写锁保护 map 的并发安全
type registryCenter struct {
	mux       sync.RWMutex
	resources map[string]Resource
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		resources: make(map[string]Resource),
	}
}

// register 注册资源, 资源 id 不能重复
func (r *registryCenter) register(resource Resource) error {
	if resource == nil || resource.ResourceID() == "" {
		return errors.New("rm: empty resource id")
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[resource.ResourceID()]; ok {
		return fmt.Errorf("rm: repeat resource id %s", resource.ResourceID())
	}
	r.resources[resource.ResourceID()] = resource
	return nil
}

func (r *registryCenter) get(resourceID string) (Resource, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	resource, ok := r.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	return resource, nil
}

// ids 已注册的资源 id, 按字典序返回
func (r *registryCenter) ids() []string {
	r.mux.RLock()
	ids := make([]string, 0, len(r.resources))
	for id := range r.resources {
		ids = append(ids, id)
	}
	r.mux.RUnlock()
	sort.Strings(ids)
	return ids
}
