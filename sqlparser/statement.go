// Package sqlparser 把原始 SQL 识别为一个不可变的 Statement, 供 AT 数据源计算前后镜像.
// 语法解析交给现成的 MySQL 解析器完成, 解析树不会离开本包.
package sqlparser

import (
	"errors"
	"strings"
)

var (
	// ErrUnsupportedDialect 不支持的 SQL 方言
	ErrUnsupportedDialect = errors.New("sqlparser: unsupported dialect")
	// ErrUnsupportedStatement 语句的形态无法计算镜像, 比如多表更新
	ErrUnsupportedStatement = errors.New("sqlparser: unsupported statement")
)

// DialectMySQL MySQL 方言
const DialectMySQL = "mysql"

// SQLType 语句类型
type SQLType int

const (
	SQLTypeUnknown SQLType = iota
	SQLTypeInsert
	SQLTypeUpdate
	SQLTypeDelete
	SQLTypeSelect
	SQLTypeSelectForUpdate
)

var sqlTypeNames = [...]string{"UNKNOWN", "INSERT", "UPDATE", "DELETE", "SELECT", "SELECT_FOR_UPDATE"}

func (s SQLType) String() string {
	if int(s) < len(sqlTypeNames) {
		return sqlTypeNames[s]
	}
	return "UNKNOWN"
}

// IsMutation 是否会修改数据
func (s SQLType) IsMutation() bool {
	return s == SQLTypeInsert || s == SQLTypeUpdate || s == SQLTypeDelete
}

// Value INSERT 中的一个值: 占位符或者字面量
type Value struct {
	// Param 为 true 时 Index 是该占位符在整条语句参数中的下标
	Param   bool
	Index   int
	Literal interface{}
	// Expr 为 true 表示既不是占位符也不是字面量, 比如函数调用
	Expr bool
}

// Statement 识别结果, 构造后不可修改
type Statement struct {
	typ             SQLType
	sql             string
	table           string
	alias           string
	where           string
	whereParamCount int
	setColumns      []string
	setParamCount   int
	insertColumns   []string
	insertRows      [][]Value
	paramCount      int
}

// Type 语句类型
func (s *Statement) Type() SQLType { return s.typ }

// SQL 原始语句
func (s *Statement) SQL() string { return s.sql }

// Table 表名, 不含库名
func (s *Statement) Table() string { return s.table }

// Alias 表别名, 没有别名时为空
func (s *Statement) Alias() string { return s.alias }

// Where 还原后的 WHERE 条件, 不含 WHERE 关键字; 没有条件时为空
func (s *Statement) Where() string { return s.where }

// WhereParamCount WHERE 条件中的占位符个数
func (s *Statement) WhereParamCount() int { return s.whereParamCount }

// SetColumns UPDATE 中被赋值的列
func (s *Statement) SetColumns() []string { return append([]string(nil), s.setColumns...) }

// SetParamCount UPDATE 的 SET 子句中的占位符个数, 排在 WHERE 的占位符之前
func (s *Statement) SetParamCount() int { return s.setParamCount }

// InsertColumns INSERT 显式指定的列
func (s *Statement) InsertColumns() []string { return append([]string(nil), s.insertColumns...) }

// InsertRows INSERT 的每一行取值
func (s *Statement) InsertRows() [][]Value {
	out := make([][]Value, len(s.insertRows))
	for i, row := range s.insertRows {
		out[i] = append([]Value(nil), row...)
	}
	return out
}

// ParamCount 整条语句的占位符个数
func (s *Statement) ParamCount() int { return s.paramCount }

// WhereArgs 从整条语句的参数中取出 WHERE 条件对应的部分
func (s *Statement) WhereArgs(args []interface{}) []interface{} {
	if s.whereParamCount == 0 {
		return nil
	}
	start := s.setParamCount
	if start+s.whereParamCount > len(args) {
		return nil
	}
	return append([]interface{}(nil), args[start:start+s.whereParamCount]...)
}

// InsertColumnIndex 列在 INSERT 列表中的下标, 忽略大小写, 不存在时返回 -1
func (s *Statement) InsertColumnIndex(column string) int {
	for i, c := range s.insertColumns {
		if strings.EqualFold(c, column) {
			return i
		}
	}
	return -1
}

// Recognizer SQL 识别器
type Recognizer interface {
	Recognize(sql string, dialect string) (*Statement, error)
}
