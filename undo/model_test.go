package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goat/sqlparser"
)

func orderImage(status string, ids ...int64) TableRecords {
	t := TableRecords{TableName: "orders", PrimaryKeys: []string{"id"}}
	for _, id := range ids {
		t.Rows = append(t.Rows, Row{Fields: []Field{{Name: "id", Value: id}, {Name: "status", Value: status}}})
	}
	return t
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "orders:42,43", orderImage("NEW", 42, 43).LockKeys())
	assert.Empty(t, TableRecords{TableName: "orders"}.LockKeys())

	composite := TableRecords{
		TableName:   "stock",
		PrimaryKeys: []string{"sku", "warehouse"},
		Rows: []Row{
			{Fields: []Field{{Name: "sku", Value: "A1"}, {Name: "warehouse", Value: int64(3)}, {Name: "count", Value: 9}}},
		},
	}
	assert.Equal(t, "stock:A1_3", composite.LockKeys())
}

func TestBranchUndoLogEncodeDecode(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	before := orderImage("NEW", 42)
	before.Rows[0].Fields = append(before.Rows[0].Fields,
		Field{Name: "amount", Value: 10.5},
		Field{Name: "created_at", Value: created},
		Field{Name: "note", Value: []byte("hi")},
	)

	in := &BranchUndoLog{
		XID:      "127.0.0.1:8091:1",
		BranchID: 7,
		SQLUndoLogs: []SQLUndoLog{{
			SQLType:     sqlparser.SQLTypeUpdate,
			TableName:   "orders",
			BeforeImage: before,
			AfterImage:  orderImage("PAID", 42),
		}},
	}
	for i := range in.SQLUndoLogs[0].BeforeImage.Rows[0].Fields {
		f := &in.SQLUndoLogs[0].BeforeImage.Rows[0].Fields[i]
		f.Value = NormalizeValue(f.Value)
	}

	data, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodeBranchUndoLog(data)
	require.NoError(t, err)

	assert.Equal(t, in.XID, out.XID)
	assert.Equal(t, in.BranchID, out.BranchID)
	row := out.SQLUndoLogs[0].BeforeImage.Rows[0]
	id, _ := row.Get("ID")
	assert.Equal(t, int64(42), id)
	amount, _ := row.Get("amount")
	assert.Equal(t, 10.5, amount)
	at, _ := row.Get("created_at")
	assert.Equal(t, "2024-05-01 10:30:00", at)
	note, _ := row.Get("note")
	assert.Equal(t, "hi", note)
	assert.Equal(t, sqlparser.SQLTypeUpdate, out.SQLUndoLogs[0].SQLType)
}

func TestDecodeBranchUndoLogInvalid(t *testing.T) {
	_, err := DecodeBranchUndoLog([]byte("{"))
	assert.Error(t, err)
}

func TestRecordsEqual(t *testing.T) {
	want := orderImage("PAID", 42, 43)

	// 行顺序不同, 驱动返回 []byte 与 int
	got := TableRecords{TableName: "orders", PrimaryKeys: []string{"id"}, Rows: []Row{
		{Fields: []Field{{Name: "id", Value: 43}, {Name: "status", Value: []byte("PAID")}}},
		{Fields: []Field{{Name: "ID", Value: "42"}, {Name: "STATUS", Value: "PAID"}}},
	}}
	assert.True(t, recordsEqual(want, got))

	assert.False(t, recordsEqual(want, orderImage("PAID", 42)))
	assert.False(t, recordsEqual(want, orderImage("NEW", 42, 43)))
	assert.False(t, recordsEqual(want, orderImage("PAID", 42, 44)))
	assert.True(t, recordsEqual(TableRecords{}, TableRecords{}))

	withNil := TableRecords{PrimaryKeys: []string{"id"}, Rows: []Row{{Fields: []Field{{Name: "id", Value: 1}, {Name: "memo", Value: nil}}}}}
	assert.True(t, recordsEqual(withNil, withNil))
	notNil := TableRecords{PrimaryKeys: []string{"id"}, Rows: []Row{{Fields: []Field{{Name: "id", Value: 1}, {Name: "memo", Value: ""}}}}}
	assert.False(t, recordsEqual(withNil, notNil))
}

func TestPKWhereAndSelect(t *testing.T) {
	where, args := PKWhere([]string{"id"}, [][]interface{}{{1}, {2}})
	assert.Equal(t, "`id`=? OR `id`=?", where)
	assert.Equal(t, []interface{}{1, 2}, args)

	where, args = PKWhere([]string{"a", "b"}, [][]interface{}{{1, "x"}})
	assert.Equal(t, "(`a`=? AND `b`=?)", where)
	assert.Equal(t, []interface{}{1, "x"}, args)

	query, _ := SelectByPKSQL("orders", []string{"id", "status"}, []string{"id"}, [][]interface{}{{1}}, true)
	assert.Equal(t, "SELECT `id`,`status` FROM `orders` WHERE `id`=? FOR UPDATE", query)

	query, _ = SelectByPKSQL("orders", nil, []string{"id"}, [][]interface{}{{1}}, false)
	assert.Equal(t, "SELECT * FROM `orders` WHERE `id`=?", query)
	assert.Equal(t, "`we``ird`", QuoteIdent("we`ird"))
}
