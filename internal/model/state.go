package model

import (
	"fmt"
	"time"
)

// Phase 全量更新的阶段。
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseRetailerA      Phase = "retailer_a"
	PhaseRetailerB      Phase = "retailer_b"
	PhaseCompetitorSite Phase = "competitor_site"
	PhaseError          Phase = "error"
)

// Gauge 返回阶段在指标中的数值。
func (p Phase) Gauge() float64 {
	switch p {
	case PhaseRetailerA:
		return 1
	case PhaseRetailerB:
		return 2
	case PhaseCompetitorSite:
		return 3
	case PhaseError:
		return 4
	default:
		return 0
	}
}

// UpdateState 是一次全量更新的进度快照。
//
// IsUpdating 为 true 时，每个商品 ID 恰好出现在 QueuedIDs、ProcessingIDs、ProcessedIDs 之一。
type UpdateState struct {
	RunID               string     `json:"runId,omitempty"`
	IsUpdating          bool       `json:"isUpdating"`
	IsPaused            bool       `json:"isPaused"`
	Phase               Phase      `json:"phase"`
	ProcessedCount      int        `json:"processedCount"`
	TotalCount          int        `json:"totalCount"`
	CompetitorQueueSize int        `json:"competitorQueueSize"`
	ProcessedIDs        []string   `json:"processedIds"`
	ProcessingIDs       []string   `json:"processingIds"`
	QueuedIDs           []string   `json:"queuedIds"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

// Settings 用户可在运行时修改的设置，保存在 KV 存储的 settings 键下。
type Settings struct {
	PriceCheckInterval   int     `json:"priceCheckInterval"`   // 分钟，0 表示关闭定时检查
	ConcurrentCheckLimit int     `json:"concurrentCheckLimit"` // 零售商阶段并发数
	PriceChangeThreshold float64 `json:"priceChangeThreshold"` // 降价通知阈值（百分比）
	NotifyDiscount       bool    `json:"notifyDiscount"`
	NotifyIncrease       bool    `json:"notifyIncrease"`
	NotifyStock          bool    `json:"notifyStock"`
}

// DefaultSettings 返回默认设置。
func DefaultSettings() Settings {
	return Settings{
		PriceCheckInterval:   60,
		ConcurrentCheckLimit: 4,
		PriceChangeThreshold: 5,
		NotifyDiscount:       true,
		NotifyIncrease:       true,
		NotifyStock:          true,
	}
}

// Validate 校验设置。
func (s Settings) Validate() error {
	if s.ConcurrentCheckLimit < 1 {
		return fmt.Errorf("%w: concurrentCheckLimit must be >= 1, got %d", ErrInvalidLimit, s.ConcurrentCheckLimit)
	}
	if s.PriceCheckInterval < 0 {
		return fmt.Errorf("priceCheckInterval must be >= 0, got %d", s.PriceCheckInterval)
	}
	if s.PriceChangeThreshold < 0 {
		return fmt.Errorf("priceChangeThreshold must be >= 0, got %v", s.PriceChangeThreshold)
	}
	return nil
}
