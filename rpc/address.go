package rpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address 一个 TC 节点的地址, 值类型, 可以直接作为 map 的 key
type Address struct {
	Host string
	Port int
}

// ParseAddress 解析 host:port 形式的地址
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("rpc: invalid address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("rpc: invalid address %q: empty host", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Address{}, fmt.Errorf("rpc: invalid address %q: bad port", s)
	}
	return Address{Host: host, Port: p}, nil
}

// ParseAddressList 解析逗号分隔的地址列表, 重复的地址只保留一个
func ParseAddressList(s string) ([]Address, error) {
	var (
		addrs []Address
		seen  = make(map[Address]struct{})
	)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		addr, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
