package undo

import (
	"database/sql"
	"fmt"
	"strings"
)

// ScanRecords 把查询结果读成镜像, 读取完毕后关闭 rows
func ScanRecords(rows *sql.Rows, table string, primaryKeys []string) (TableRecords, error) {
	defer rows.Close()
	records := TableRecords{TableName: table, PrimaryKeys: primaryKeys}

	columns, err := rows.Columns()
	if err != nil {
		return records, err
	}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err = rows.Scan(dest...); err != nil {
			return records, err
		}
		row := Row{Fields: make([]Field, 0, len(columns))}
		for i, col := range columns {
			row.Fields = append(row.Fields, Field{Name: col, Value: NormalizeValue(values[i])})
		}
		records.Rows = append(records.Rows, row)
	}
	return records, rows.Err()
}

// QuoteIdent 用反引号包裹标识符
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// PKWhere 生成按主键定位多行的条件: (`a`=? AND `b`=?) OR (...), 返回条件与参数
func PKWhere(primaryKeys []string, pkValues [][]interface{}) (string, []interface{}) {
	conds := make([]string, 0, len(pkValues))
	args := make([]interface{}, 0, len(pkValues)*len(primaryKeys))
	for _, vals := range pkValues {
		parts := make([]string, 0, len(primaryKeys))
		for i, pk := range primaryKeys {
			parts = append(parts, QuoteIdent(pk)+"=?")
			args = append(args, vals[i])
		}
		if len(parts) == 1 {
			conds = append(conds, parts[0])
			continue
		}
		conds = append(conds, "("+strings.Join(parts, " AND ")+")")
	}
	return strings.Join(conds, " OR "), args
}

// SelectByPKSQL 按主键查询镜像列的语句, forUpdate 时加行锁
func SelectByPKSQL(table string, columns []string, primaryKeys []string, pkValues [][]interface{}, forUpdate bool) (string, []interface{}) {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, 0, len(columns))
		for _, c := range columns {
			quoted = append(quoted, QuoteIdent(c))
		}
		cols = strings.Join(quoted, ",")
	}
	where, args := PKWhere(primaryKeys, pkValues)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, QuoteIdent(table), where)
	if forUpdate {
		query += " FOR UPDATE"
	}
	return query, args
}

// ColumnsOf 镜像中出现的列名, 取第一行的列
func ColumnsOf(t TableRecords) []string {
	if t.Empty() {
		return nil
	}
	cols := make([]string, 0, len(t.Rows[0].Fields))
	for _, f := range t.Rows[0].Fields {
		cols = append(cols, f.Name)
	}
	return cols
}
