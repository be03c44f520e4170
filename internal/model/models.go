package model

import (
	"math"
	"time"
)

// Platform 商品所属零售平台。
type Platform string

const (
	PlatformAmazon      Platform = "amazon"      // 零售商 A，纯 HTTP 抓取
	PlatformHepsiburada Platform = "hepsiburada" // 零售商 B，需要完整页面执行
)

// Group 用户给商品打的颜色分组。
type Group string

const (
	GroupNone   Group = ""
	GroupRed    Group = "red"
	GroupYellow Group = "yellow"
	GroupGreen  Group = "green"
)

// Status 商品最近一次刷新后的价格状态。
type Status string

const (
	StatusNone       Status = ""
	StatusChecking   Status = "checking"
	StatusUp         Status = "up"
	StatusDown       Status = "down"
	StatusRestocked  Status = "restocked"
	StatusOutOfStock Status = "out_of_stock"
	StatusError      Status = "error"
	StatusUnchanged  Status = "unchanged"
	StatusConfirmed  Status = "confirmed"
)

// PricePoint 价格序列中的一个点，Date 为 UTC 零点。
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Product 是保存在 KV 存储中的轻量商品记录。
//
// 价格字段为 nil 表示没有有效价格。
type Product struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Platform       Platform   `json:"platform"`
	Name           string     `json:"name"`
	Group          Group      `json:"group"`
	OldPrice       *float64   `json:"oldPrice"`
	NewPrice       *float64   `json:"newPrice"`
	PreviousPrice  *float64   `json:"previousPrice"`
	Status         Status     `json:"status"`
	LastChangeDate *time.Time `json:"lastChangeDate"`
}

// ProductMeta 是保存在批量对象存储中的商品元数据（图片、竞品历史等较大的字段）。
type ProductMeta struct {
	ID                  string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SequenceNumber      int          `gorm:"not null;default:0" json:"sequenceNumber"`
	ImageURL            string       `gorm:"type:varchar(1024)" json:"imageUrl"`
	CompetitorURL       string       `gorm:"type:varchar(1024)" json:"competitorUrl"`
	CompetitorHistory   []PricePoint `gorm:"serializer:json;type:json" json:"competitorHistory"`
	LastCompetitorFetch *time.Time   `json:"lastCompetitorFetch"`
	AddedAt             *time.Time   `json:"addedAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// TableName 指定 gorm 表名。
func (ProductMeta) TableName() string { return "product_meta" }

// MetaPatch 描述一次 upsert-merge：只有非 nil 字段会被写入。
type MetaPatch struct {
	ID                  string
	SequenceNumber      *int
	ImageURL            *string
	CompetitorURL       *string
	CompetitorHistory   []PricePoint
	LastCompetitorFetch *time.Time
	AddedAt             *time.Time
}

// Apply 把补丁合并到 m 上。
func (p MetaPatch) Apply(m *ProductMeta) {
	m.ID = p.ID
	if p.SequenceNumber != nil {
		m.SequenceNumber = *p.SequenceNumber
	}
	if p.ImageURL != nil {
		m.ImageURL = *p.ImageURL
	}
	if p.CompetitorURL != nil {
		m.CompetitorURL = *p.CompetitorURL
	}
	if p.CompetitorHistory != nil {
		m.CompetitorHistory = append([]PricePoint(nil), p.CompetitorHistory...)
	}
	if p.LastCompetitorFetch != nil {
		t := *p.LastCompetitorFetch
		m.LastCompetitorFetch = &t
	}
	if p.AddedAt != nil {
		t := *p.AddedAt
		m.AddedAt = &t
	}
}

// TrackedProduct 是 KV 记录与元数据合并后的完整视图。
type TrackedProduct struct {
	Product
	SequenceNumber      int          `json:"sequenceNumber"`
	ImageURL            string       `json:"imageUrl,omitempty"`
	CompetitorURL       string       `json:"competitorUrl,omitempty"`
	CompetitorHistory   []PricePoint `json:"competitorHistory,omitempty"`
	LastCompetitorFetch *time.Time   `json:"lastCompetitorFetch,omitempty"`
	AddedAt             *time.Time   `json:"addedAt,omitempty"`
}

// Join 合并 KV 记录与元数据，meta 可以为 nil。
func Join(p Product, meta *ProductMeta) TrackedProduct {
	tp := TrackedProduct{Product: p}
	if meta == nil {
		return tp
	}
	tp.SequenceNumber = meta.SequenceNumber
	tp.ImageURL = meta.ImageURL
	tp.CompetitorURL = meta.CompetitorURL
	tp.CompetitorHistory = meta.CompetitorHistory
	tp.LastCompetitorFetch = meta.LastCompetitorFetch
	tp.AddedAt = meta.AddedAt
	return tp
}

// PriceOf 把可空价格转换为 float64，nil 返回 NaN。
func PriceOf(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// PricePtr 返回有效价格的指针，无效价格（NaN、<=0）返回 nil。
func PricePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return nil
	}
	return &v
}
