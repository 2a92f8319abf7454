package datasource

import (
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goat/sqlparser"
	"github.com/xiaoxuxiansheng/goat/undo"
)

// fromClause 表名与别名, WHERE 条件中可能引用别名
func fromClause(stmt *sqlparser.Statement) string {
	from := undo.QuoteIdent(stmt.Table())
	if stmt.Alias() != "" {
		from += " AS " + undo.QuoteIdent(stmt.Alias())
	}
	return from
}

// lockSQL 按语句的 WHERE 条件加行锁查询 columns, columns 为空时查询所有列
func lockSQL(stmt *sqlparser.Statement, columns []string) string {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, 0, len(columns))
		for _, c := range columns {
			quoted = append(quoted, undo.QuoteIdent(c))
		}
		cols = strings.Join(quoted, ",")
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(fromClause(stmt))
	if stmt.Where() != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(stmt.Where())
	}
	sb.WriteString(" FOR UPDATE")
	return sb.String()
}

func queryRecords(tx *gorm.DB, table string, pks []string, query string, args []interface{}) (undo.TableRecords, error) {
	rows, err := tx.Raw(query, args...).Rows()
	if err != nil {
		return undo.TableRecords{}, fmt.Errorf("datasource: query image of %s: %w", table, err)
	}
	records, err := undo.ScanRecords(rows, table, pks)
	if err != nil {
		return undo.TableRecords{}, fmt.Errorf("datasource: scan image of %s: %w", table, err)
	}
	return records, nil
}

// beforeImage UPDATE/DELETE 按 WHERE 条件加锁查询受影响的行, INSERT 的前镜像为空
func (d *DataSource) beforeImage(tx *gorm.DB, stmt *sqlparser.Statement, meta TableMeta, args []interface{}) (undo.TableRecords, error) {
	if stmt.Type() == sqlparser.SQLTypeInsert {
		return undo.TableRecords{TableName: stmt.Table(), PrimaryKeys: meta.PrimaryKeys}, nil
	}
	return queryRecords(tx, stmt.Table(), meta.PrimaryKeys, lockSQL(stmt, nil), stmt.WhereArgs(args))
}

// afterImage 语句执行后的数据
//  1. DELETE: 后镜像为空
//  2. UPDATE: 按前镜像的主键重新查询
//  3. INSERT: 主键取自语句中的值, 语句没有给出主键时使用自增 id
func (d *DataSource) afterImage(tx *gorm.DB, stmt *sqlparser.Statement, meta TableMeta, before undo.TableRecords,
	args []interface{}, result sql.Result) (undo.TableRecords, error) {
	empty := undo.TableRecords{TableName: stmt.Table(), PrimaryKeys: meta.PrimaryKeys}
	var pkValues [][]interface{}
	switch stmt.Type() {
	case sqlparser.SQLTypeDelete:
		return empty, nil
	case sqlparser.SQLTypeUpdate:
		if before.Empty() {
			return empty, nil
		}
		pkValues = before.PKValues()
	case sqlparser.SQLTypeInsert:
		var err error
		if pkValues, err = insertedPKValues(stmt, meta, args, result); err != nil {
			return empty, err
		}
	default:
		return empty, fmt.Errorf("%w: %s", sqlparser.ErrUnsupportedStatement, stmt.Type())
	}
	if len(pkValues) == 0 {
		return empty, nil
	}
	query, qargs := undo.SelectByPKSQL(stmt.Table(), nil, meta.PrimaryKeys, pkValues, false)
	return queryRecords(tx, stmt.Table(), meta.PrimaryKeys, query, qargs)
}

// insertedPKValues 计算 INSERT 写入行的主键
func insertedPKValues(stmt *sqlparser.Statement, meta TableMeta, args []interface{}, result sql.Result) ([][]interface{}, error) {
	rows := stmt.InsertRows()
	out := make([][]interface{}, len(rows))
	for i := range out {
		out[i] = make([]interface{}, len(meta.PrimaryKeys))
	}

	for k, pk := range meta.PrimaryKeys {
		idx := stmt.InsertColumnIndex(pk)
		if idx < 0 {
			// 语句没有给出主键, 只支持单列自增主键
			if len(meta.PrimaryKeys) != 1 {
				return nil, fmt.Errorf("%w: insert without composite primary key %s", sqlparser.ErrUnsupportedStatement, pk)
			}
			first, err := result.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("datasource: last insert id: %w", err)
			}
			for i := range rows {
				out[i][k] = first + int64(i)
			}
			continue
		}
		for i, row := range rows {
			if idx >= len(row) {
				return nil, fmt.Errorf("%w: insert row %d has no value for %s", sqlparser.ErrUnsupportedStatement, i, pk)
			}
			v := row[idx]
			switch {
			case v.Param:
				if v.Index >= len(args) {
					return nil, fmt.Errorf("datasource: missing argument %d for %s", v.Index, pk)
				}
				out[i][k] = args[v.Index]
			case v.Expr:
				return nil, fmt.Errorf("%w: primary key %s given by expression", sqlparser.ErrUnsupportedStatement, pk)
			default:
				out[i][k] = v.Literal
			}
		}
	}
	return out, nil
}
