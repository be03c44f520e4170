package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fiyattakibi/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// BulkStore 保存商品元数据；Put 为 upsert-merge，只写入补丁中出现的字段。
type BulkStore interface {
	GetAll(ctx context.Context) (map[string]model.ProductMeta, error)
	Put(ctx context.Context, patches ...model.MetaPatch) error
	Delete(ctx context.Context, id string) error
}

// OpenMySQL 连接 MySQL 并迁移元数据表。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.ProductMeta{}); err != nil {
		return nil, fmt.Errorf("migrate product_meta: %w", err)
	}
	return db, nil
}

// GormBulk 基于 gorm 的元数据存储。
type GormBulk struct {
	db *gorm.DB
}

func NewGormBulk(db *gorm.DB) *GormBulk {
	return &GormBulk{db: db}
}

func (g *GormBulk) GetAll(ctx context.Context) (map[string]model.ProductMeta, error) {
	var rows []model.ProductMeta
	if err := g.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load product meta: %w", err)
	}
	out := make(map[string]model.ProductMeta, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

func (g *GormBulk) Put(ctx context.Context, patches ...model.MetaPatch) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range patches {
			if err := upsert(tx, p).Error; err != nil {
				return fmt.Errorf("upsert product meta %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// upsert 插入元数据行，冲突时只更新补丁里出现的列。
func upsert(tx *gorm.DB, p model.MetaPatch) *gorm.DB {
	var row model.ProductMeta
	p.Apply(&row)
	row.UpdatedAt = time.Now()

	cols := append(patchColumns(p), "updated_at")
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row)
}

func (g *GormBulk) Delete(ctx context.Context, id string) error {
	if err := g.db.WithContext(ctx).Delete(&model.ProductMeta{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete product meta %s: %w", id, err)
	}
	return nil
}

func patchColumns(p model.MetaPatch) []string {
	var cols []string
	if p.SequenceNumber != nil {
		cols = append(cols, "sequence_number")
	}
	if p.ImageURL != nil {
		cols = append(cols, "image_url")
	}
	if p.CompetitorURL != nil {
		cols = append(cols, "competitor_url")
	}
	if p.CompetitorHistory != nil {
		cols = append(cols, "competitor_history")
	}
	if p.LastCompetitorFetch != nil {
		cols = append(cols, "last_competitor_fetch")
	}
	if p.AddedAt != nil {
		cols = append(cols, "added_at")
	}
	return cols
}

// MemoryBulk 进程内的元数据存储，用于本地运行和测试。
type MemoryBulk struct {
	mu   sync.RWMutex
	rows map[string]model.ProductMeta
}

func NewMemoryBulk() *MemoryBulk {
	return &MemoryBulk{rows: make(map[string]model.ProductMeta)}
}

func (m *MemoryBulk) GetAll(_ context.Context) (map[string]model.ProductMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.ProductMeta, len(m.rows))
	for id, r := range m.rows {
		r.CompetitorHistory = append([]model.PricePoint(nil), r.CompetitorHistory...)
		out[id] = r
	}
	return out, nil
}

func (m *MemoryBulk) Put(_ context.Context, patches ...model.MetaPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patches {
		row := m.rows[p.ID]
		p.Apply(&row)
		row.UpdatedAt = time.Now()
		m.rows[p.ID] = row
	}
	return nil
}

func (m *MemoryBulk) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.rows, id)
	m.mu.Unlock()
	return nil
}
