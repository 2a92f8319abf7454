package rm

import (
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

// Branch 本进程参与过的分支及其最近一次已知的状态
type Branch struct {
	XID        string
	BranchID   int64
	ResourceID string
	BranchType protocol.BranchType
	Status     protocol.BranchStatus
	UpdatedAt  time.Time
}

// branchTable 分支表
// 到达终态的分支保留 ttl 时长以供查询, 之后由 ResourceManager 的轮询任务清理
type branchTable struct {
	mux      sync.RWMutex
	branches map[int64]*Branch
	ttl      time.Duration
}

func newBranchTable(ttl time.Duration) *branchTable {
	return &branchTable{
		branches: make(map[int64]*Branch),
		ttl:      ttl,
	}
}

func (t *branchTable) put(b Branch) {
	b.UpdatedAt = time.Now()
	t.mux.Lock()
	defer t.mux.Unlock()
	t.branches[b.BranchID] = &b
}

// update 更新分支状态, 分支不存在时(例如进程重启后收到二阶段指令)补一条记录
func (t *branchTable) update(xid string, branchID int64, resourceID string, status protocol.BranchStatus) {
	t.mux.Lock()
	defer t.mux.Unlock()
	b, ok := t.branches[branchID]
	if !ok {
		b = &Branch{XID: xid, BranchID: branchID, ResourceID: resourceID, BranchType: protocol.BranchTypeAT}
		t.branches[branchID] = b
	}
	b.Status = status
	b.UpdatedAt = time.Now()
}

func (t *branchTable) get(branchID int64) (Branch, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()
	b, ok := t.branches[branchID]
	if !ok {
		return Branch{}, false
	}
	return *b, true
}

func (t *branchTable) len() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.branches)
}

// evict 清理到达终态且超过 ttl 的分支, 返回清理的个数
func (t *branchTable) evict(now time.Time) int {
	t.mux.Lock()
	defer t.mux.Unlock()
	var n int
	for id, b := range t.branches {
		if b.Status.IsTerminal() && now.Sub(b.UpdatedAt) >= t.ttl {
			delete(t.branches, id)
			n++
		}
	}
	return n
}
