package undo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/demdxx/gocast"

	"github.com/xiaoxuxiansheng/goat/sqlparser"
)

// Field 一行中的一列
type Field struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Row 一行数据, 列的顺序与查询时一致
type Row struct {
	Fields []Field `json:"fields"`
}

// Get 按列名取值, 忽略大小写
func (r Row) Get(name string) (interface{}, bool) {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return nil, false
}

// TableRecords 一张表的数据镜像
type TableRecords struct {
	TableName   string   `json:"tableName"`
	PrimaryKeys []string `json:"primaryKeys"`
	Rows        []Row    `json:"rows"`
}

// Empty 镜像中没有行
func (t TableRecords) Empty() bool {
	return len(t.Rows) == 0
}

// PKValues 每一行的主键取值
func (t TableRecords) PKValues() [][]interface{} {
	out := make([][]interface{}, 0, len(t.Rows))
	for _, row := range t.Rows {
		vals := make([]interface{}, 0, len(t.PrimaryKeys))
		for _, pk := range t.PrimaryKeys {
			v, _ := row.Get(pk)
			vals = append(vals, v)
		}
		out = append(out, vals)
	}
	return out
}

// LockKeys 生成向 TC 注册分支时使用的锁 key: table:pk1_pk2,pk1_pk2
func (t TableRecords) LockKeys() string {
	if t.Empty() {
		return ""
	}
	keys := make([]string, 0, len(t.Rows))
	for _, vals := range t.PKValues() {
		parts := make([]string, 0, len(vals))
		for _, v := range vals {
			parts = append(parts, gocast.ToString(v))
		}
		keys = append(keys, strings.Join(parts, "_"))
	}
	return t.TableName + ":" + strings.Join(keys, ",")
}

// SQLUndoLog 单条语句的前后镜像
type SQLUndoLog struct {
	SQLType     sqlparser.SQLType `json:"sqlType"`
	TableName   string            `json:"tableName"`
	BeforeImage TableRecords      `json:"beforeImage"`
	AfterImage  TableRecords      `json:"afterImage"`
}

// BranchUndoLog 一个分支在一阶段中执行的全部语句的镜像, 序列化后存放在 undo_log.rollback_info 中
type BranchUndoLog struct {
	XID         string       `json:"xid"`
	BranchID    int64        `json:"branchId"`
	SQLUndoLogs []SQLUndoLog `json:"sqlUndoLogs"`
}

// Encode 序列化为 rollback_info
func (b *BranchUndoLog) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBranchUndoLog 反序列化 rollback_info, 数值统一还原为 int64/float64
func DecodeBranchUndoLog(data []byte) (*BranchUndoLog, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var b BranchUndoLog
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("undo: decode rollback info: %w", err)
	}
	for i := range b.SQLUndoLogs {
		normalizeRecords(&b.SQLUndoLogs[i].BeforeImage)
		normalizeRecords(&b.SQLUndoLogs[i].AfterImage)
	}
	return &b, nil
}

func normalizeRecords(t *TableRecords) {
	for i := range t.Rows {
		for j := range t.Rows[i].Fields {
			t.Rows[i].Fields[j].Value = NormalizeValue(t.Rows[i].Fields[j].Value)
		}
	}
}

// timeLayout 镜像中时间列统一保存的格式, 可以直接作为 MySQL 的参数
const timeLayout = "2006-01-02 15:04:05.999999"

// NormalizeValue 把驱动或 json 返回的值统一为可比较、可作为 SQL 参数的形式
//   - []byte 转为 string
//   - time.Time 转为 MySQL 可识别的字符串
//   - json.Number 转为 int64, 不是整数时转为 float64
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(timeLayout)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// valueEqual 比较两个镜像值, 统一转为字符串比较以屏蔽驱动返回类型的差异
func valueEqual(a, b interface{}) bool {
	a, b = NormalizeValue(a), NormalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return gocast.ToString(a) == gocast.ToString(b)
}

// recordsEqual 按主键对齐后逐列比较, 只比较 expected 中出现的列
func recordsEqual(expected, actual TableRecords) bool {
	if len(expected.Rows) != len(actual.Rows) {
		return false
	}
	index := make(map[string]Row, len(actual.Rows))
	for _, row := range actual.Rows {
		index[pkString(row, expected.PrimaryKeys)] = row
	}
	for _, want := range expected.Rows {
		got, ok := index[pkString(want, expected.PrimaryKeys)]
		if !ok {
			return false
		}
		for _, f := range want.Fields {
			v, ok := got.Get(f.Name)
			if !ok || !valueEqual(f.Value, v) {
				return false
			}
		}
	}
	return true
}

func pkString(row Row, pks []string) string {
	parts := make([]string, 0, len(pks))
	for _, pk := range pks {
		v, _ := row.Get(pk)
		parts = append(parts, gocast.ToString(NormalizeValue(v)))
	}
	return strings.Join(parts, "\x00")
}
