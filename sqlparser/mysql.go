package sqlparser

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pingcap/parser"
	"github.com/pingcap/parser/ast"
	"github.com/pingcap/parser/format"
	// 解析器需要 driver 提供字面量与占位符的表达式实现
	_ "github.com/pingcap/tidb/types/parser_driver"
)

// MySQL 基于 pingcap/parser 的识别器
// parser.Parser 不是并发安全的, 通过 sync.Pool 复用
type MySQL struct {
	pool sync.Pool
}

// NewMySQL 构造 MySQL 识别器
func NewMySQL() *MySQL {
	return &MySQL{
		pool: sync.Pool{New: func() interface{} { return parser.New() }},
	}
}

// Recognize 解析单条语句
func (m *MySQL) Recognize(sql string, dialect string) (*Statement, error) {
	if dialect != "" && !strings.EqualFold(dialect, DialectMySQL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}

	p := m.pool.Get().(*parser.Parser)
	node, err := p.ParseOneStmt(sql, "", "")
	m.pool.Put(p)
	if err != nil {
		return nil, fmt.Errorf("sqlparser: parse %q: %w", sql, err)
	}

	stmt := &Statement{sql: sql, paramCount: countParams(node)}
	switch n := node.(type) {
	case *ast.InsertStmt:
		err = recognizeInsert(stmt, n)
	case *ast.UpdateStmt:
		err = recognizeUpdate(stmt, n)
	case *ast.DeleteStmt:
		err = recognizeDelete(stmt, n)
	case *ast.SelectStmt:
		err = recognizeSelect(stmt, n)
	default:
		stmt.typ = SQLTypeUnknown
	}
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func recognizeInsert(stmt *Statement, n *ast.InsertStmt) error {
	if n.IsReplace || n.Select != nil || len(n.OnDuplicate) > 0 {
		return fmt.Errorf("%w: replace/insert-select/on-duplicate", ErrUnsupportedStatement)
	}
	stmt.typ = SQLTypeInsert
	if err := tableOf(stmt, n.Table); err != nil {
		return err
	}

	order := 0
	// INSERT ... SET a=?, b=?
	if len(n.Setlist) > 0 {
		row := make([]Value, 0, len(n.Setlist))
		for _, a := range n.Setlist {
			stmt.insertColumns = append(stmt.insertColumns, a.Column.Name.O)
			row = append(row, valueOf(a.Expr, &order))
		}
		stmt.insertRows = [][]Value{row}
		return nil
	}

	for _, c := range n.Columns {
		stmt.insertColumns = append(stmt.insertColumns, c.Name.O)
	}
	for _, list := range n.Lists {
		row := make([]Value, 0, len(list))
		for _, expr := range list {
			row = append(row, valueOf(expr, &order))
		}
		stmt.insertRows = append(stmt.insertRows, row)
	}
	return nil
}

func recognizeUpdate(stmt *Statement, n *ast.UpdateStmt) error {
	if n.MultipleTable {
		return fmt.Errorf("%w: multi-table update", ErrUnsupportedStatement)
	}
	if n.Limit != nil || n.Order != nil {
		return fmt.Errorf("%w: update with order by/limit", ErrUnsupportedStatement)
	}
	stmt.typ = SQLTypeUpdate
	if err := tableOf(stmt, n.TableRefs); err != nil {
		return err
	}
	for _, a := range n.List {
		stmt.setColumns = append(stmt.setColumns, a.Column.Name.O)
		stmt.setParamCount += countParams(a.Expr)
	}
	return whereOf(stmt, n.Where)
}

func recognizeDelete(stmt *Statement, n *ast.DeleteStmt) error {
	if n.IsMultiTable {
		return fmt.Errorf("%w: multi-table delete", ErrUnsupportedStatement)
	}
	if n.Limit != nil || n.Order != nil {
		return fmt.Errorf("%w: delete with order by/limit", ErrUnsupportedStatement)
	}
	stmt.typ = SQLTypeDelete
	if err := tableOf(stmt, n.TableRefs); err != nil {
		return err
	}
	return whereOf(stmt, n.Where)
}

func recognizeSelect(stmt *Statement, n *ast.SelectStmt) error {
	stmt.typ = SQLTypeSelect
	if n.LockTp != ast.SelectLockForUpdate {
		return nil
	}
	stmt.typ = SQLTypeSelectForUpdate
	if err := tableOf(stmt, n.From); err != nil {
		return err
	}
	return whereOf(stmt, n.Where)
}

// tableOf 只接受单表
func tableOf(stmt *Statement, refs *ast.TableRefsClause) error {
	if refs == nil || refs.TableRefs == nil || refs.TableRefs.Right != nil {
		return fmt.Errorf("%w: expect exactly one table", ErrUnsupportedStatement)
	}
	switch src := refs.TableRefs.Left.(type) {
	case *ast.TableSource:
		name, ok := src.Source.(*ast.TableName)
		if !ok {
			return fmt.Errorf("%w: derived table", ErrUnsupportedStatement)
		}
		stmt.table = name.Name.O
		stmt.alias = src.AsName.O
	case *ast.TableName:
		stmt.table = src.Name.O
	default:
		return fmt.Errorf("%w: join", ErrUnsupportedStatement)
	}
	return nil
}

func whereOf(stmt *Statement, where ast.ExprNode) error {
	if where == nil {
		return nil
	}
	var sb strings.Builder
	if err := where.Restore(format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)); err != nil {
		return fmt.Errorf("sqlparser: restore where: %w", err)
	}
	stmt.where = sb.String()
	stmt.whereParamCount = countParams(where)
	return nil
}

func valueOf(expr ast.ExprNode, order *int) Value {
	switch e := expr.(type) {
	case ast.ParamMarkerExpr:
		v := Value{Param: true, Index: *order}
		*order++
		return v
	case ast.ValueExpr:
		return Value{Literal: e.GetValue()}
	default:
		*order += countParams(expr)
		return Value{Expr: true}
	}
}

// paramCounter 统计子树中的占位符个数
type paramCounter struct {
	n int
}

func (p *paramCounter) Enter(n ast.Node) (ast.Node, bool) {
	if _, ok := n.(ast.ParamMarkerExpr); ok {
		p.n++
	}
	return n, false
}

func (p *paramCounter) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

func countParams(n ast.Node) int {
	if n == nil {
		return 0
	}
	c := &paramCounter{}
	n.Accept(c)
	return c.n
}
