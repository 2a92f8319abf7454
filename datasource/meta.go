package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// ErrNoPrimaryKey AT 模式要求表必须有主键
var ErrNoPrimaryKey = errors.New("datasource: table has no primary key")

const primaryKeySQL = "SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE " +
	"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY' ORDER BY ORDINAL_POSITION"

// TableMeta 表的元数据, 目前只需要主键列
type TableMeta struct {
	Name        string
	PrimaryKeys []string
}

// metaCache 表元数据缓存, 按表名 LRU 淘汰
type metaCache struct {
	db    *gorm.DB
	cache *lru.Cache[string, TableMeta]
}

func newMetaCache(db *gorm.DB, size int) (*metaCache, error) {
	cache, err := lru.New[string, TableMeta](size)
	if err != nil {
		return nil, err
	}
	return &metaCache{db: db, cache: cache}, nil
}

func (m *metaCache) get(ctx context.Context, table string) (TableMeta, error) {
	key := strings.ToLower(table)
	if meta, ok := m.cache.Get(key); ok {
		return meta, nil
	}

	rows, err := m.db.WithContext(ctx).Raw(primaryKeySQL, table).Rows()
	if err != nil {
		return TableMeta{}, fmt.Errorf("datasource: load meta of %s: %w", table, err)
	}
	defer rows.Close()

	meta := TableMeta{Name: table}
	for rows.Next() {
		var col string
		if err = rows.Scan(&col); err != nil {
			return TableMeta{}, fmt.Errorf("datasource: load meta of %s: %w", table, err)
		}
		meta.PrimaryKeys = append(meta.PrimaryKeys, col)
	}
	if err = rows.Err(); err != nil {
		return TableMeta{}, fmt.Errorf("datasource: load meta of %s: %w", table, err)
	}
	if len(meta.PrimaryKeys) == 0 {
		return TableMeta{}, fmt.Errorf("%w: %s", ErrNoPrimaryKey, table)
	}

	m.cache.Add(key, meta)
	return meta, nil
}
