package protocol

import "fmt"

// TypeCode 消息体类型
type TypeCode uint16

const (
	TypeGlobalBegin              TypeCode = 1
	TypeGlobalBeginResult        TypeCode = 2
	TypeBranchCommit             TypeCode = 3
	TypeBranchCommitResult       TypeCode = 4
	TypeBranchRollback           TypeCode = 5
	TypeBranchRollbackResult     TypeCode = 6
	TypeGlobalCommit             TypeCode = 7
	TypeGlobalCommitResult       TypeCode = 8
	TypeGlobalRollback           TypeCode = 9
	TypeGlobalRollbackResult     TypeCode = 10
	TypeBranchRegister           TypeCode = 11
	TypeBranchRegisterResult     TypeCode = 12
	TypeBranchStatusReport       TypeCode = 13
	TypeBranchStatusReportResult TypeCode = 14
	TypeGlobalStatus             TypeCode = 15
	TypeGlobalStatusResult       TypeCode = 16
	TypeGlobalLockQuery          TypeCode = 21
	TypeGlobalLockQueryResult    TypeCode = 22
	TypeRegisterTM               TypeCode = 101
	TypeRegisterTMResult         TypeCode = 102
	TypeRegisterRM               TypeCode = 103
	TypeRegisterRMResult         TypeCode = 104
	TypeUndoLogDelete            TypeCode = 111
	TypeHeartbeat                TypeCode = 120
)

var typeNames = map[TypeCode]string{
	TypeGlobalBegin:              "GLOBAL_BEGIN",
	TypeGlobalBeginResult:        "GLOBAL_BEGIN_RESULT",
	TypeBranchCommit:             "BRANCH_COMMIT",
	TypeBranchCommitResult:       "BRANCH_COMMIT_RESULT",
	TypeBranchRollback:           "BRANCH_ROLLBACK",
	TypeBranchRollbackResult:     "BRANCH_ROLLBACK_RESULT",
	TypeGlobalCommit:             "GLOBAL_COMMIT",
	TypeGlobalCommitResult:       "GLOBAL_COMMIT_RESULT",
	TypeGlobalRollback:           "GLOBAL_ROLLBACK",
	TypeGlobalRollbackResult:     "GLOBAL_ROLLBACK_RESULT",
	TypeBranchRegister:           "BRANCH_REGISTER",
	TypeBranchRegisterResult:     "BRANCH_REGISTER_RESULT",
	TypeBranchStatusReport:       "BRANCH_STATUS_REPORT",
	TypeBranchStatusReportResult: "BRANCH_STATUS_REPORT_RESULT",
	TypeGlobalStatus:             "GLOBAL_STATUS",
	TypeGlobalStatusResult:       "GLOBAL_STATUS_RESULT",
	TypeGlobalLockQuery:          "GLOBAL_LOCK_QUERY",
	TypeGlobalLockQueryResult:    "GLOBAL_LOCK_QUERY_RESULT",
	TypeRegisterTM:               "REG_TM",
	TypeRegisterTMResult:         "REG_TM_RESULT",
	TypeRegisterRM:               "REG_RM",
	TypeRegisterRMResult:         "REG_RM_RESULT",
	TypeUndoLogDelete:            "RM_DELETE_UNDOLOG",
	TypeHeartbeat:                "HEARTBEAT",
}

func (t TypeCode) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint16(t))
}

// Message 消息体
type Message interface {
	TypeCode() TypeCode
}

// 根据类型码构造空的消息体, 供解码时反序列化使用
var constructors = map[TypeCode]func() Message{
	TypeGlobalBegin:              func() Message { return &GlobalBeginRequest{} },
	TypeGlobalBeginResult:        func() Message { return &GlobalBeginResponse{} },
	TypeBranchCommit:             func() Message { return &BranchCommitRequest{} },
	TypeBranchCommitResult:       func() Message { return &BranchCommitResponse{} },
	TypeBranchRollback:           func() Message { return &BranchRollbackRequest{} },
	TypeBranchRollbackResult:     func() Message { return &BranchRollbackResponse{} },
	TypeGlobalCommit:             func() Message { return &GlobalCommitRequest{} },
	TypeGlobalCommitResult:       func() Message { return &GlobalCommitResponse{} },
	TypeGlobalRollback:           func() Message { return &GlobalRollbackRequest{} },
	TypeGlobalRollbackResult:     func() Message { return &GlobalRollbackResponse{} },
	TypeBranchRegister:           func() Message { return &BranchRegisterRequest{} },
	TypeBranchRegisterResult:     func() Message { return &BranchRegisterResponse{} },
	TypeBranchStatusReport:       func() Message { return &BranchReportRequest{} },
	TypeBranchStatusReportResult: func() Message { return &BranchReportResponse{} },
	TypeGlobalStatus:             func() Message { return &GlobalStatusRequest{} },
	TypeGlobalStatusResult:       func() Message { return &GlobalStatusResponse{} },
	TypeGlobalLockQuery:          func() Message { return &GlobalLockQueryRequest{} },
	TypeGlobalLockQueryResult:    func() Message { return &GlobalLockQueryResponse{} },
	TypeRegisterTM:               func() Message { return &RegisterTMRequest{} },
	TypeRegisterTMResult:         func() Message { return &RegisterTMResponse{} },
	TypeRegisterRM:               func() Message { return &RegisterRMRequest{} },
	TypeRegisterRMResult:         func() Message { return &RegisterRMResponse{} },
	TypeUndoLogDelete:            func() Message { return &UndoLogDeleteRequest{} },
	TypeHeartbeat:                func() Message { return &HeartbeatMessage{} },
}

// NewMessage 根据类型码创建空消息体
func NewMessage(code TypeCode) (Message, bool) {
	fn, ok := constructors[code]
	if !ok {
		return nil, false
	}
	return fn(), true
}

// BranchType 分支事务模式
type BranchType byte

const (
	BranchTypeAT   BranchType = 0
	BranchTypeTCC  BranchType = 1
	BranchTypeSAGA BranchType = 2
	BranchTypeXA   BranchType = 3
)

func (b BranchType) String() string {
	switch b {
	case BranchTypeAT:
		return "AT"
	case BranchTypeTCC:
		return "TCC"
	case BranchTypeSAGA:
		return "SAGA"
	case BranchTypeXA:
		return "XA"
	default:
		return fmt.Sprintf("BranchType(%d)", byte(b))
	}
}

// BranchStatus 分支事务状态
type BranchStatus byte

const (
	BranchStatusUnknown BranchStatus = iota
	BranchStatusRegistered
	BranchStatusPhaseOneDone
	BranchStatusPhaseOneFailed
	BranchStatusPhaseOneTimeout
	BranchStatusPhaseTwoCommitted
	BranchStatusPhaseTwoCommitFailedRetryable
	BranchStatusPhaseTwoCommitFailedUnretryable
	BranchStatusPhaseTwoRollbacked
	BranchStatusPhaseTwoRollbackFailedRetryable
	BranchStatusPhaseTwoRollbackFailedUnretryable
)

var branchStatusNames = [...]string{
	"Unknown",
	"Registered",
	"PhaseOne_Done",
	"PhaseOne_Failed",
	"PhaseOne_Timeout",
	"PhaseTwo_Committed",
	"PhaseTwo_CommitFailed_Retryable",
	"PhaseTwo_CommitFailed_Unretryable",
	"PhaseTwo_Rollbacked",
	"PhaseTwo_RollbackFailed_Retryable",
	"PhaseTwo_RollbackFailed_Unretryable",
}

func (b BranchStatus) String() string {
	if int(b) < len(branchStatusNames) {
		return branchStatusNames[b]
	}
	return fmt.Sprintf("BranchStatus(%d)", byte(b))
}

// IsCommitFailed 二阶段提交失败
func (b BranchStatus) IsCommitFailed() bool {
	return b == BranchStatusPhaseTwoCommitFailedRetryable || b == BranchStatusPhaseTwoCommitFailedUnretryable
}

// IsRollbackFailed 二阶段回滚失败
func (b BranchStatus) IsRollbackFailed() bool {
	return b == BranchStatusPhaseTwoRollbackFailedRetryable || b == BranchStatusPhaseTwoRollbackFailedUnretryable
}

// IsTerminal 分支是否已到达终态
func (b BranchStatus) IsTerminal() bool {
	return b == BranchStatusPhaseTwoCommitted || b == BranchStatusPhaseTwoRollbacked ||
		b.IsCommitFailed() || b.IsRollbackFailed()
}

// GlobalStatus 全局事务状态
type GlobalStatus byte

const (
	GlobalStatusUnknown GlobalStatus = iota
	GlobalStatusBegin
	GlobalStatusCommitting
	GlobalStatusCommitRetrying
	GlobalStatusRollbacking
	GlobalStatusRollbackRetrying
	GlobalStatusTimeoutRollbacking
	GlobalStatusTimeoutRollbackRetrying
	GlobalStatusAsyncCommitting
	GlobalStatusCommitted
	GlobalStatusCommitFailed
	GlobalStatusRollbacked
	GlobalStatusRollbackFailed
	GlobalStatusTimeoutRollbacked
	GlobalStatusTimeoutRollbackFailed
	GlobalStatusFinished
)

var globalStatusNames = [...]string{
	"UnKnown",
	"Begin",
	"Committing",
	"CommitRetrying",
	"Rollbacking",
	"RollbackRetrying",
	"TimeoutRollbacking",
	"TimeoutRollbackRetrying",
	"AsyncCommitting",
	"Committed",
	"CommitFailed",
	"Rollbacked",
	"RollbackFailed",
	"TimeoutRollbacked",
	"TimeoutRollbackFailed",
	"Finished",
}

func (g GlobalStatus) String() string {
	if int(g) < len(globalStatusNames) {
		return globalStatusNames[g]
	}
	return fmt.Sprintf("GlobalStatus(%d)", byte(g))
}

// ResultCode 响应结果码
type ResultCode byte

const (
	ResultCodeFailed  ResultCode = 0
	ResultCodeSuccess ResultCode = 1
)

// ResultMessage 携带结果码的响应消息
type ResultMessage interface {
	Message
	GetResult() Result
}

// Result 响应结果, 内嵌在所有响应消息中
type Result struct {
	ResultCode ResultCode `json:"resultCode"`
	Msg        string     `json:"msg,omitempty"`
}

func (r Result) GetResult() Result {
	return r
}

// Success 构造成功结果
func Success() Result {
	return Result{ResultCode: ResultCodeSuccess}
}

// Failure 构造失败结果
func Failure(msg string) Result {
	return Result{ResultCode: ResultCodeFailed, Msg: msg}
}

type GlobalBeginRequest struct {
	// 全局事务超时时长, 单位毫秒
	Timeout         int32  `json:"timeout"`
	TransactionName string `json:"transactionName"`
}

func (*GlobalBeginRequest) TypeCode() TypeCode { return TypeGlobalBegin }

type GlobalBeginResponse struct {
	Result
	XID       string `json:"xid"`
	ExtraData string `json:"extraData,omitempty"`
}

func (*GlobalBeginResponse) TypeCode() TypeCode { return TypeGlobalBeginResult }

type GlobalCommitRequest struct {
	XID       string `json:"xid"`
	ExtraData string `json:"extraData,omitempty"`
}

func (*GlobalCommitRequest) TypeCode() TypeCode { return TypeGlobalCommit }

type GlobalCommitResponse struct {
	Result
	GlobalStatus GlobalStatus `json:"globalStatus"`
}

func (*GlobalCommitResponse) TypeCode() TypeCode { return TypeGlobalCommitResult }

type GlobalRollbackRequest struct {
	XID       string `json:"xid"`
	ExtraData string `json:"extraData,omitempty"`
}

func (*GlobalRollbackRequest) TypeCode() TypeCode { return TypeGlobalRollback }

type GlobalRollbackResponse struct {
	Result
	GlobalStatus GlobalStatus `json:"globalStatus"`
}

func (*GlobalRollbackResponse) TypeCode() TypeCode { return TypeGlobalRollbackResult }

type GlobalStatusRequest struct {
	XID string `json:"xid"`
}

func (*GlobalStatusRequest) TypeCode() TypeCode { return TypeGlobalStatus }

type GlobalStatusResponse struct {
	Result
	GlobalStatus GlobalStatus `json:"globalStatus"`
}

func (*GlobalStatusResponse) TypeCode() TypeCode { return TypeGlobalStatusResult }

type BranchRegisterRequest struct {
	XID             string     `json:"xid"`
	BranchType      BranchType `json:"branchType"`
	ResourceID      string     `json:"resourceId"`
	LockKey         string     `json:"lockKey,omitempty"`
	ApplicationData string     `json:"applicationData,omitempty"`
}

func (*BranchRegisterRequest) TypeCode() TypeCode { return TypeBranchRegister }

type BranchRegisterResponse struct {
	Result
	BranchID int64 `json:"branchId"`
}

func (*BranchRegisterResponse) TypeCode() TypeCode { return TypeBranchRegisterResult }

type BranchReportRequest struct {
	XID             string       `json:"xid"`
	BranchID        int64        `json:"branchId"`
	ResourceID      string       `json:"resourceId"`
	BranchType      BranchType   `json:"branchType"`
	Status          BranchStatus `json:"status"`
	ApplicationData string       `json:"applicationData,omitempty"`
}

func (*BranchReportRequest) TypeCode() TypeCode { return TypeBranchStatusReport }

type BranchReportResponse struct {
	Result
}

func (*BranchReportResponse) TypeCode() TypeCode { return TypeBranchStatusReportResult }

// BranchCommitRequest TC 推送的分支提交指令
type BranchCommitRequest struct {
	XID             string     `json:"xid"`
	BranchID        int64      `json:"branchId"`
	BranchType      BranchType `json:"branchType"`
	ResourceID      string     `json:"resourceId"`
	ApplicationData string     `json:"applicationData,omitempty"`
}

func (*BranchCommitRequest) TypeCode() TypeCode { return TypeBranchCommit }

type BranchCommitResponse struct {
	Result
	XID          string       `json:"xid"`
	BranchID     int64        `json:"branchId"`
	BranchStatus BranchStatus `json:"branchStatus"`
}

func (*BranchCommitResponse) TypeCode() TypeCode { return TypeBranchCommitResult }

// BranchRollbackRequest TC 推送的分支回滚指令
type BranchRollbackRequest struct {
	XID             string     `json:"xid"`
	BranchID        int64      `json:"branchId"`
	BranchType      BranchType `json:"branchType"`
	ResourceID      string     `json:"resourceId"`
	ApplicationData string     `json:"applicationData,omitempty"`
}

func (*BranchRollbackRequest) TypeCode() TypeCode { return TypeBranchRollback }

type BranchRollbackResponse struct {
	Result
	XID          string       `json:"xid"`
	BranchID     int64        `json:"branchId"`
	BranchStatus BranchStatus `json:"branchStatus"`
}

func (*BranchRollbackResponse) TypeCode() TypeCode { return TypeBranchRollbackResult }

type GlobalLockQueryRequest struct {
	XID        string     `json:"xid"`
	BranchType BranchType `json:"branchType"`
	ResourceID string     `json:"resourceId"`
	LockKey    string     `json:"lockKey"`
}

func (*GlobalLockQueryRequest) TypeCode() TypeCode { return TypeGlobalLockQuery }

type GlobalLockQueryResponse struct {
	Result
	Lockable bool `json:"lockable"`
}

func (*GlobalLockQueryResponse) TypeCode() TypeCode { return TypeGlobalLockQueryResult }

type RegisterTMRequest struct {
	Version                 string `json:"version"`
	ApplicationID           string `json:"applicationId"`
	TransactionServiceGroup string `json:"transactionServiceGroup"`
	ExtraData               string `json:"extraData,omitempty"`
}

func (*RegisterTMRequest) TypeCode() TypeCode { return TypeRegisterTM }

type RegisterTMResponse struct {
	Result
	Identified bool   `json:"identified"`
	Version    string `json:"version"`
}

func (*RegisterTMResponse) TypeCode() TypeCode { return TypeRegisterTMResult }

type RegisterRMRequest struct {
	Version                 string `json:"version"`
	ApplicationID           string `json:"applicationId"`
	TransactionServiceGroup string `json:"transactionServiceGroup"`
	// 逗号分隔的资源 id 列表
	ResourceIDs string `json:"resourceIds"`
	ExtraData   string `json:"extraData,omitempty"`
}

func (*RegisterRMRequest) TypeCode() TypeCode { return TypeRegisterRM }

type RegisterRMResponse struct {
	Result
	Identified bool   `json:"identified"`
	Version    string `json:"version"`
}

func (*RegisterRMResponse) TypeCode() TypeCode { return TypeRegisterRMResult }

// UndoLogDeleteRequest TC 通知 RM 清理过期的 undo log
type UndoLogDeleteRequest struct {
	ResourceID string     `json:"resourceId"`
	SaveDays   int16      `json:"saveDays"`
	BranchType BranchType `json:"branchType"`
}

func (*UndoLogDeleteRequest) TypeCode() TypeCode { return TypeUndoLogDelete }

type HeartbeatMessage struct {
	Ping bool `json:"ping"`
}

func (*HeartbeatMessage) TypeCode() TypeCode { return TypeHeartbeat }
