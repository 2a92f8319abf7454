package undo

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goat/sqlparser"
)

// ErrUndoApplyConflict 当前数据既不等于后镜像也不等于前镜像, 说明存在全局事务之外的写入, 拒绝回滚
var ErrUndoApplyConflict = errors.New("undo: current data conflicts with after image")

// executor 单条 SQLUndoLog 的补偿执行器
// 1. 按主键查询当前数据并加行锁
// 2. 当前数据等于后镜像时执行补偿; 等于前镜像时说明已经补偿过, 跳过; 否则返回 ErrUndoApplyConflict
// 3. 补偿语句: INSERT -> DELETE, UPDATE -> 按前镜像 UPDATE, DELETE -> 按前镜像 INSERT
type executor struct {
	log SQLUndoLog
}

func newExecutor(log SQLUndoLog) (*executor, error) {
	switch log.SQLType {
	case sqlparser.SQLTypeInsert, sqlparser.SQLTypeUpdate, sqlparser.SQLTypeDelete:
		return &executor{log: log}, nil
	default:
		return nil, fmt.Errorf("undo: unsupported sql type %s on table %s", log.SQLType, log.TableName)
	}
}

func (e *executor) execute(tx *gorm.DB) error {
	// 1. 校验当前数据
	skip, err := e.validate(tx)
	if err != nil || skip {
		return err
	}

	// 2. 执行补偿语句
	for _, stmt := range e.statements() {
		if err = tx.Exec(stmt.sql, stmt.args...).Error; err != nil {
			return fmt.Errorf("undo: compensate %s on %s: %w", e.log.SQLType, e.log.TableName, err)
		}
	}
	return nil
}

// imageKeys 用于定位当前数据的镜像: 取前后镜像中非空的一个
func (e *executor) imageKeys() TableRecords {
	if e.log.AfterImage.Empty() {
		return e.log.BeforeImage
	}
	return e.log.AfterImage
}

func (e *executor) validate(tx *gorm.DB) (bool, error) {
	image := e.imageKeys()
	if image.Empty() {
		return true, nil
	}
	query, args := SelectByPKSQL(e.log.TableName, ColumnsOf(image), image.PrimaryKeys, image.PKValues(), true)
	rows, err := tx.Raw(query, args...).Rows()
	if err != nil {
		return false, fmt.Errorf("undo: query current rows of %s: %w", e.log.TableName, err)
	}
	current, err := ScanRecords(rows, e.log.TableName, image.PrimaryKeys)
	if err != nil {
		return false, fmt.Errorf("undo: scan current rows of %s: %w", e.log.TableName, err)
	}

	if recordsEqual(e.log.AfterImage, current) {
		return false, nil
	}
	if recordsEqual(e.log.BeforeImage, current) {
		return true, nil
	}
	return false, fmt.Errorf("%w: table %s, pks %v", ErrUndoApplyConflict, e.log.TableName, image.PKValues())
}

type compensation struct {
	sql  string
	args []interface{}
}

func (e *executor) statements() []compensation {
	switch e.log.SQLType {
	case sqlparser.SQLTypeInsert:
		after := e.log.AfterImage
		where, args := PKWhere(after.PrimaryKeys, after.PKValues())
		return []compensation{{
			sql:  fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteIdent(e.log.TableName), where),
			args: args,
		}}

	case sqlparser.SQLTypeUpdate:
		before := e.log.BeforeImage
		out := make([]compensation, 0, len(before.Rows))
		for _, row := range before.Rows {
			var (
				sets []string
				args []interface{}
			)
			for _, f := range row.Fields {
				if isPK(f.Name, before.PrimaryKeys) {
					continue
				}
				sets = append(sets, QuoteIdent(f.Name)+"=?")
				args = append(args, f.Value)
			}
			if len(sets) == 0 {
				continue
			}
			where, pkArgs := PKWhere(before.PrimaryKeys, TableRecords{PrimaryKeys: before.PrimaryKeys, Rows: []Row{row}}.PKValues())
			out = append(out, compensation{
				sql:  fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteIdent(e.log.TableName), strings.Join(sets, ","), where),
				args: append(args, pkArgs...),
			})
		}
		return out

	case sqlparser.SQLTypeDelete:
		before := e.log.BeforeImage
		out := make([]compensation, 0, len(before.Rows))
		for _, row := range before.Rows {
			cols := make([]string, 0, len(row.Fields))
			marks := make([]string, 0, len(row.Fields))
			args := make([]interface{}, 0, len(row.Fields))
			for _, f := range row.Fields {
				cols = append(cols, QuoteIdent(f.Name))
				marks = append(marks, "?")
				args = append(args, f.Value)
			}
			out = append(out, compensation{
				sql:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(e.log.TableName), strings.Join(cols, ","), strings.Join(marks, ",")),
				args: args,
			})
		}
		return out
	}
	return nil
}

func isPK(name string, pks []string) bool {
	for _, pk := range pks {
		if strings.EqualFold(pk, name) {
			return true
		}
	}
	return false
}
