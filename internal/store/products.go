// Package store 组合 KV 存储与元数据存储，提供商品、设置等类型化的读写。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"fiyattakibi/internal/model"
)

const (
	productKeyPrefix  = "product:"
	settingsKey       = "settings"
	lastUpdateTimeKey = "lastUpdateTime"
)

// ProductStore 商品存储：核心字段在 KV 中，元数据在 BulkStore 中，读取时合并。
type ProductStore struct {
	kv   KV
	bulk BulkStore
}

func NewProductStore(kv KV, bulk BulkStore) *ProductStore {
	return &ProductStore{kv: kv, bulk: bulk}
}

func productKey(id string) string {
	return productKeyPrefix + id
}

// Products 返回全部商品，按添加顺序排列。
func (s *ProductStore) Products(ctx context.Context) ([]model.TrackedProduct, error) {
	all, err := s.kv.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	metas, err := s.bulk.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.TrackedProduct, 0, len(all))
	for key, raw := range all {
		if !strings.HasPrefix(key, productKeyPrefix) {
			continue
		}
		var p model.Product
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		var meta *model.ProductMeta
		if m, ok := metas[p.ID]; ok {
			meta = &m
		}
		out = append(out, model.Join(p, meta))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Product 返回单个商品，不存在时返回 model.ErrNotFound。
func (s *ProductStore) Product(ctx context.Context, id string) (model.TrackedProduct, error) {
	raw, ok, err := s.kv.Get(ctx, productKey(id))
	if err != nil {
		return model.TrackedProduct{}, err
	}
	if !ok {
		return model.TrackedProduct{}, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	var p model.Product
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.TrackedProduct{}, fmt.Errorf("decode product %s: %w", id, err)
	}
	metas, err := s.bulk.GetAll(ctx)
	if err != nil {
		return model.TrackedProduct{}, err
	}
	var meta *model.ProductMeta
	if m, ok := metas[id]; ok {
		meta = &m
	}
	return model.Join(p, meta), nil
}

// Count 返回已跟踪的商品数量。
func (s *ProductStore) Count(ctx context.Context) (int, error) {
	all, err := s.kv.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for key := range all {
		if strings.HasPrefix(key, productKeyPrefix) {
			n++
		}
	}
	return n, nil
}

// SaveProducts 写入商品核心字段。
func (s *ProductStore) SaveProducts(ctx context.Context, products ...model.Product) error {
	values := make(map[string]string, len(products))
	for _, p := range products {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode product %s: %w", p.ID, err)
		}
		values[productKey(p.ID)] = string(data)
	}
	return s.kv.Set(ctx, values)
}

// PutMeta 合并写入元数据。
func (s *ProductStore) PutMeta(ctx context.Context, patches ...model.MetaPatch) error {
	if len(patches) == 0 {
		return nil
	}
	return s.bulk.Put(ctx, patches...)
}

// DeleteProduct 同时删除核心字段与元数据。
func (s *ProductStore) DeleteProduct(ctx context.Context, id string) error {
	if _, ok, err := s.kv.Get(ctx, productKey(id)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	if err := s.kv.Remove(ctx, productKey(id)); err != nil {
		return err
	}
	return s.bulk.Delete(ctx, id)
}

// Settings 读取设置，未保存过时返回默认值。
func (s *ProductStore) Settings(ctx context.Context) (model.Settings, error) {
	raw, ok, err := s.kv.Get(ctx, settingsKey)
	if err != nil {
		return model.Settings{}, err
	}
	settings := model.DefaultSettings()
	if !ok {
		return settings, nil
	}
	// 在默认值上解码，缺失字段保留默认
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings 校验并保存设置。
func (s *ProductStore) SaveSettings(ctx context.Context, settings model.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.kv.Set(ctx, map[string]string{settingsKey: string(data)})
}

// LastUpdateTime 返回上一次全量更新完成的时间。
func (s *ProductStore) LastUpdateTime(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.kv.Get(ctx, lastUpdateTimeKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode lastUpdateTime: %w", err)
	}
	return t, true, nil
}

func (s *ProductStore) SetLastUpdateTime(ctx context.Context, t time.Time) error {
	return s.kv.Set(ctx, map[string]string{lastUpdateTimeKey: t.UTC().Format(time.RFC3339Nano)})
}
