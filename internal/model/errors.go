package model

import (
	"context"
	"errors"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrParse          = errors.New("parse error")
	ErrTimeout        = errors.New("scrape timeout")
	ErrAntiBot        = errors.New("anti-bot interstitial")
	ErrNavigation     = errors.New("navigation failed")
	ErrInjection      = errors.New("extraction script unreachable")
	ErrCapacity       = errors.New("tracked product limit reached")
	ErrAlreadyRunning = errors.New("update already running")
	ErrResetRequired  = errors.New("previous update failed, reset required")
	ErrDuplicate      = errors.New("product already tracked")
	ErrNotFound       = errors.New("not found")
	ErrUnsupportedURL = errors.New("unsupported product url")
	ErrInvalidLimit   = errors.New("invalid concurrency limit")
	ErrInvalidInput   = errors.New("invalid input")
)

// ErrorLabel 将错误映射为指标标签。
func ErrorLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAntiBot):
		return "antibot"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, ErrInjection):
		return "injection"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrResetRequired):
		return "reset_required"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidLimit), errors.Is(err, ErrUnsupportedURL):
		return "invalid"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
