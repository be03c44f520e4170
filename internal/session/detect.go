package session

import "strings"

// 人机验证页面的标题特征
var blockedTitles = []string{
	"just a moment",
	"bir dakika",
	"attention required",
	"checking your browser",
	"access denied",
	"erişim engellendi",
	"güvenlik kontrolü",
	"403 forbidden",
	"429 too many requests",
	"captcha",
	"robot",
}

// IsBlockedTitle 根据页面标题判断是否为人机验证/拦截页面。
func IsBlockedTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return false
	}
	for _, hint := range blockedTitles {
		if strings.Contains(t, hint) {
			return true
		}
	}
	return false
}
