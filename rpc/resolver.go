package rpc

import (
	"fmt"
)

// Resolver 把事务分组解析为 TC 地址列表
// 路由表: 事务分组 -(vgroup_mapping)-> 集群名 -(grouplist)-> host:port 列表
type Resolver interface {
	Resolve(group string) ([]Address, error)
}

// StaticResolver 基于静态配置的路由表, 构造完成后只读
type StaticResolver struct {
	vgroupMapping map[string]string
	groupList     map[string][]Address
}

// NewStaticResolver 构造静态路由表. grouplist 的 value 为逗号分隔的 host:port 列表
func NewStaticResolver(vgroupMapping map[string]string, grouplist map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{
		vgroupMapping: make(map[string]string, len(vgroupMapping)),
		groupList:     make(map[string][]Address, len(grouplist)),
	}
	for group, cluster := range vgroupMapping {
		r.vgroupMapping[group] = cluster
	}
	for cluster, list := range grouplist {
		addrs, err := ParseAddressList(list)
		if err != nil {
			return nil, fmt.Errorf("rpc: grouplist of cluster %s: %w", cluster, err)
		}
		r.groupList[cluster] = addrs
	}
	return r, nil
}

// Resolve 返回地址列表的副本, 调用方可以自由修改
func (r *StaticResolver) Resolve(group string) ([]Address, error) {
	cluster, ok := r.vgroupMapping[group]
	if !ok || cluster == "" {
		return nil, fmt.Errorf("%w: tx service group %q has no vgroup mapping", ErrNoAvailableAddress, group)
	}
	addrs := r.groupList[cluster]
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: cluster %q of group %q has empty grouplist", ErrNoAvailableAddress, cluster, group)
	}
	return append([]Address(nil), addrs...), nil
}
