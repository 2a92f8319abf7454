// Package tctest 提供一个进程内的假 TC, 在回环地址上监听并使用真实的编解码协议, 仅用于测试
package tctest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goat/protocol"
)

// HandlerFunc 处理客户端发来的请求, 返回 nil 表示不回复
type HandlerFunc func(conn *Conn, req *protocol.RpcMessage) protocol.Message

// Branch 假 TC 记录的分支
type Branch struct {
	XID        string
	BranchID   int64
	ResourceID string
	LockKey    string
	conn       *Conn
}

// BranchResult 二阶段下发后客户端回报的分支状态
type BranchResult struct {
	XID      string
	BranchID int64
	Status   protocol.BranchStatus
	Msg      string
}

// Server 假 TC
// 1. 默认实现握手/心跳/全局事务开启/分支注册/全局锁查询/状态上报
// 2. 全局提交或回滚时, 向注册分支的连接依次下发 BranchCommit/BranchRollback 并收集结果
// 3. 任何 TypeCode 的处理都可以通过 Handle 覆盖
type Server struct {
	ln    net.Listener
	codec *protocol.Codec

	xidSeq    atomic.Int64
	branchSeq atomic.Int64

	mux      sync.Mutex
	handlers map[protocol.TypeCode]HandlerFunc
	conns    map[*Conn]struct{}
	requests []*protocol.RpcMessage
	branches map[string][]*Branch
	results  []BranchResult

	// 二阶段下发的等待超时
	PushTimeout time.Duration

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewServer 在 127.0.0.1 的随机端口上启动假 TC
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:          ln,
		codec:       protocol.NewCodec(protocol.CodecJSON, protocol.CompressorNone, 0),
		handlers:    make(map[protocol.TypeCode]HandlerFunc),
		conns:       make(map[*Conn]struct{}),
		branches:    make(map[string][]*Branch),
		PushTimeout: 5 * time.Second,
		closed:      make(chan struct{}),
	}
	s.installDefaults()

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr 监听地址 host:port
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host 监听的 host
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port 监听的端口
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// SetNextXIDSeq 指定下一个分配的事务序号
func (s *Server) SetNextXIDSeq(seq int64) {
	s.xidSeq.Store(seq - 1)
}

// SetNextBranchID 指定下一个分配的分支 id
func (s *Server) SetNextBranchID(id int64) {
	s.branchSeq.Store(id - 1)
}

// Handle 覆盖某个 TypeCode 的处理逻辑
func (s *Server) Handle(code protocol.TypeCode, h HandlerFunc) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.handlers[code] = h
}

// Requests 收到的全部请求, 按到达顺序
func (s *Server) Requests() []*protocol.RpcMessage {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]*protocol.RpcMessage(nil), s.requests...)
}

// RequestsOf 收到的某类请求的消息体
func (s *Server) RequestsOf(code protocol.TypeCode) []protocol.Message {
	var out []protocol.Message
	for _, req := range s.Requests() {
		if req.TypeCode() == code {
			out = append(out, req.Body)
		}
	}
	return out
}

// Branches 某个全局事务下注册过的分支
func (s *Server) Branches(xid string) []Branch {
	s.mux.Lock()
	defer s.mux.Unlock()
	out := make([]Branch, 0, len(s.branches[xid]))
	for _, b := range s.branches[xid] {
		out = append(out, *b)
	}
	return out
}

// BranchResults 二阶段下发的结果
func (s *Server) BranchResults() []BranchResult {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]BranchResult(nil), s.results...)
}

// Conns 当前的客户端连接
func (s *Server) Conns() []*Conn {
	s.mux.Lock()
	defer s.mux.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close 关闭监听与所有连接
func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	err := s.ln.Close()
	for _, c := range s.Conns() {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(s, nc)
		s.mux.Lock()
		s.conns[c] = struct{}{}
		s.mux.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mux.Lock()
			delete(s.conns, c)
			s.mux.Unlock()
		}()
	}
}

func (s *Server) handle(c *Conn, req *protocol.RpcMessage) {
	s.mux.Lock()
	s.requests = append(s.requests, req)
	h, ok := s.handlers[req.TypeCode()]
	s.mux.Unlock()
	if !ok {
		return
	}
	// 二阶段下发需要等待客户端响应, 不能阻塞读循环
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body := h(c, req)
		if body == nil || req.MessageType == protocol.MessageTypeRequestOneway {
			return
		}
		_ = c.write(protocol.NewResponse(req, body))
	}()
}

func (s *Server) installDefaults() {
	s.handlers[protocol.TypeRegisterTM] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.RegisterTMResponse{Result: protocol.Success(), Identified: true, Version: "1.0.0"}
	}
	s.handlers[protocol.TypeRegisterRM] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.RegisterRMResponse{Result: protocol.Success(), Identified: true, Version: "1.0.0"}
	}
	s.handlers[protocol.TypeHeartbeat] = func(_ *Conn, req *protocol.RpcMessage) protocol.Message {
		if req.MessageType != protocol.MessageTypeHeartbeatRequest {
			return nil
		}
		return &protocol.HeartbeatMessage{Ping: false}
	}
	s.handlers[protocol.TypeGlobalBegin] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		xid := s.Addr() + ":" + strconv.FormatInt(s.xidSeq.Inc(), 10)
		return &protocol.GlobalBeginResponse{Result: protocol.Success(), XID: xid}
	}
	s.handlers[protocol.TypeBranchRegister] = func(c *Conn, req *protocol.RpcMessage) protocol.Message {
		r := req.Body.(*protocol.BranchRegisterRequest)
		b := &Branch{XID: r.XID, BranchID: s.branchSeq.Inc(), ResourceID: r.ResourceID, LockKey: r.LockKey, conn: c}
		s.mux.Lock()
		s.branches[r.XID] = append(s.branches[r.XID], b)
		s.mux.Unlock()
		return &protocol.BranchRegisterResponse{Result: protocol.Success(), BranchID: b.BranchID}
	}
	s.handlers[protocol.TypeBranchStatusReport] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.BranchReportResponse{Result: protocol.Success()}
	}
	s.handlers[protocol.TypeGlobalLockQuery] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.GlobalLockQueryResponse{Result: protocol.Success(), Lockable: true}
	}
	s.handlers[protocol.TypeGlobalStatus] = func(*Conn, *protocol.RpcMessage) protocol.Message {
		return &protocol.GlobalStatusResponse{Result: protocol.Success(), GlobalStatus: protocol.GlobalStatusBegin}
	}
	s.handlers[protocol.TypeGlobalCommit] = func(_ *Conn, req *protocol.RpcMessage) protocol.Message {
		xid := req.Body.(*protocol.GlobalCommitRequest).XID
		status := protocol.GlobalStatusCommitted
		if !s.phaseTwo(xid, true) {
			status = protocol.GlobalStatusCommitRetrying
		}
		return &protocol.GlobalCommitResponse{Result: protocol.Success(), GlobalStatus: status}
	}
	s.handlers[protocol.TypeGlobalRollback] = func(_ *Conn, req *protocol.RpcMessage) protocol.Message {
		xid := req.Body.(*protocol.GlobalRollbackRequest).XID
		status := protocol.GlobalStatusRollbacked
		if !s.phaseTwo(xid, false) {
			status = protocol.GlobalStatusRollbackRetrying
		}
		return &protocol.GlobalRollbackResponse{Result: protocol.Success(), GlobalStatus: status}
	}
}

// phaseTwo 按注册的逆序向各分支下发二阶段指令, 返回是否全部成功
func (s *Server) phaseTwo(xid string, commit bool) bool {
	s.mux.Lock()
	branches := append([]*Branch(nil), s.branches[xid]...)
	s.mux.Unlock()

	ok := true
	for i := len(branches) - 1; i >= 0; i-- {
		b := branches[i]
		var body protocol.Message
		if commit {
			body = &protocol.BranchCommitRequest{XID: b.XID, BranchID: b.BranchID, BranchType: protocol.BranchTypeAT, ResourceID: b.ResourceID}
		} else {
			body = &protocol.BranchRollbackRequest{XID: b.XID, BranchID: b.BranchID, BranchType: protocol.BranchTypeAT, ResourceID: b.ResourceID}
		}
		resp, err := b.conn.Push(body, s.PushTimeout)
		result := BranchResult{XID: b.XID, BranchID: b.BranchID}
		switch {
		case err != nil:
			result.Status = protocol.BranchStatusUnknown
			result.Msg = err.Error()
		case commit:
			r := resp.Body.(*protocol.BranchCommitResponse)
			result.Status, result.Msg = r.BranchStatus, r.Msg
		default:
			r := resp.Body.(*protocol.BranchRollbackResponse)
			result.Status, result.Msg = r.BranchStatus, r.Msg
		}
		s.mux.Lock()
		s.results = append(s.results, result)
		s.mux.Unlock()

		if commit && result.Status != protocol.BranchStatusPhaseTwoCommitted {
			ok = false
		}
		if !commit && result.Status != protocol.BranchStatusPhaseTwoRollbacked {
			ok = false
		}
	}
	return ok
}

// ErrClosed 连接已关闭
var ErrClosed = errors.New("tctest: connection closed")

// Conn 假 TC 一侧的一条客户端连接
type Conn struct {
	server  *Server
	nc      net.Conn
	decoder *protocol.Decoder

	wmux sync.Mutex

	mux     sync.Mutex
	waiters map[uint32]chan *protocol.RpcMessage
	closed  chan struct{}
	once    sync.Once
}

func newConn(s *Server, nc net.Conn) *Conn {
	return &Conn{
		server:  s,
		nc:      nc,
		decoder: protocol.NewDecoder(s.codec),
		waiters: make(map[uint32]chan *protocol.RpcMessage),
		closed:  make(chan struct{}),
	}
}

// Close 关闭连接
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// WriteRaw 直接向客户端写入原始字节, 用于构造畸形帧
func (c *Conn) WriteRaw(b []byte) error {
	c.wmux.Lock()
	defer c.wmux.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// Push 向客户端推送一个同步请求并等待其响应
func (c *Conn) Push(body protocol.Message, timeout time.Duration) (*protocol.RpcMessage, error) {
	req := protocol.NewRequest(body)
	slot := make(chan *protocol.RpcMessage, 1)
	c.mux.Lock()
	c.waiters[req.ID] = slot
	c.mux.Unlock()
	defer func() {
		c.mux.Lock()
		delete(c.waiters, req.ID)
		c.mux.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}
	select {
	case resp := <-slot:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("tctest: push %s timeout", body.TypeCode())
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Notify 向客户端推送一个单向请求
func (c *Conn) Notify(body protocol.Message) error {
	return c.write(protocol.NewOneway(body))
}

func (c *Conn) write(msg *protocol.RpcMessage) error {
	frame, err := c.server.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteRaw(frame)
}

func (c *Conn) serve() {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
			for {
				msg, derr := c.decoder.Next()
				if errors.Is(derr, protocol.ErrIncompleteFrame) {
					break
				}
				if protocol.IsFatal(derr) {
					return
				}
				if derr != nil {
					continue
				}
				c.receive(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) receive(msg *protocol.RpcMessage) {
	if msg.MessageType.IsResponse() {
		c.mux.Lock()
		slot, ok := c.waiters[msg.ID]
		c.mux.Unlock()
		if ok {
			select {
			case slot <- msg:
			default:
			}
			return
		}
	}
	c.server.handle(c, msg)
}
