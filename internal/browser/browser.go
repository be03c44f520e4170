// Package browser 基于 go-rod 实现抓取会话所需的浏览上下文。
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"fiyattakibi/internal/config"
	"fiyattakibi/internal/session"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout    = 30 * time.Second // 浏览器初始化超时
	browserHealthInterval = 30 * time.Second // 浏览器健康检查间隔
	browserHealthTimeout  = 5 * time.Second  // 健康检查单次超时
	stealthScriptTimeout  = 5 * time.Second  // Stealth 脚本应用超时
)

// sendJS 调用页面内的提取监听器；未注册时返回 __noReceiver 标记。
const sendJS = `(req) => {
	const r = window.` + session.ReceiverName + `;
	if (!r || typeof r.collect !== 'function') return { __noReceiver: true };
	return r.collect(req);
}`

// 屏蔽的高带宽资源与追踪脚本
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mov", "*.mp3", "*.ogg", "*.wav",

	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*criteo*",
	"*facebook*",
	"*hotjar*",
	"*tiktok*",
	"*sentry*",
}

// Provider 持有一个 rod.Browser，为每个会话创建独立的标签页。
type Provider struct {
	mu      sync.RWMutex
	browser *rod.Browser
	cfg     config.BrowserConfig
	logger  *slog.Logger

	bgCancel context.CancelFunc
}

// New 启动浏览器实例并开始后台健康检查。
func New(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*Provider, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	p := &Provider{
		browser:  browser,
		cfg:      cfg,
		logger:   logger,
		bgCancel: bgCancel,
	}
	go p.startHealthCheck(bgCtx)
	return p, nil
}

func startBrowser(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对容器环境的 Flag 优化
	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	proxy, err := parseProxy(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	if proxy.server != "" {
		l = l.Proxy(proxy.server)
		logger.Info("using http proxy", slog.String("server", proxy.server))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 连接建立后解除初始化超时，避免后续页面继承短 context
	browser = browser.Context(context.Background())
	if proxy.user != "" {
		go browser.MustHandleAuth(proxy.user, proxy.pass)()
		logger.Info("proxy authentication handler registered")
	}

	logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", cfg.Headless))
	return browser, nil
}

type proxySettings struct {
	server string
	user   string
	pass   string
}

func parseProxy(raw string) (proxySettings, error) {
	if raw == "" {
		return proxySettings{}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return proxySettings{}, fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return proxySettings{}, fmt.Errorf("invalid proxy url: %s", raw)
	}
	ps := proxySettings{server: parsed.Scheme + "://" + parsed.Host}
	if parsed.User != nil {
		ps.user = parsed.User.Username()
		ps.pass, _ = parsed.User.Password()
	}
	return ps, nil
}

// Open 创建一个新标签页，注入 stealth 与预加载脚本后导航到 url。
//
// 页面默认在后台打开；opts.Active 为 true 时立即切到前台。
func (p *Provider) Open(ctx context.Context, target string, opts session.OpenOptions) (session.Handle, error) {
	p.mu.RLock()
	browser := p.browser
	p.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not initialized")
	}

	type pageResult struct {
		page *rod.Page
		err  error
	}
	pageResultCh := make(chan pageResult, 1)
	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "", Background: !opts.Active})
		pageResultCh <- pageResult{page: page, err: err}
	}()
	// 超时返回后才创建成功的页面需要回收
	abandon := func() {
		go func() {
			if res := <-pageResultCh; res.page != nil {
				_ = res.page.Close()
			}
		}()
	}

	timer := time.NewTimer(p.cfg.PageTimeout)
	defer timer.Stop()

	var page *rod.Page
	select {
	case res := <-pageResultCh:
		if res.err != nil {
			return nil, fmt.Errorf("create page failed: %w", res.err)
		}
		page = res.page
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("create page timeout after %v", p.cfg.PageTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	if err := p.prepare(ctx, page, opts); err != nil {
		_ = page.Close()
		return nil, err
	}

	if err := page.Navigate(target); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate: %w", err)
	}
	p.logger.Debug("page opened", slog.String("url", target), slog.Bool("active", opts.Active))
	return &tab{page: page, logger: p.logger}, nil
}

func (p *Provider) prepare(ctx context.Context, page *rod.Page, opts session.OpenOptions) error {
	stealthDone := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- err
	}()
	timer := time.NewTimer(stealthScriptTimeout)
	defer timer.Stop()
	select {
	case err := <-stealthDone:
		if err != nil {
			return fmt.Errorf("apply stealth script: %w", err)
		}
	case <-timer.C:
		return fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	for i, js := range opts.Preload {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return fmt.Errorf("register preload script %d: %w", i, err)
		}
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		p.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if p.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      p.cfg.UserAgent,
			AcceptLanguage: "tr-TR,tr;q=0.9,en;q=0.8",
		}); err != nil {
			p.logger.Warn("set user agent failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// startHealthCheck 定期检查浏览器是否响应，无响应时重启实例。
func (p *Provider) startHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(browserHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Healthy(ctx) {
				continue
			}
			p.logger.Warn("browser health check failed, restarting browser instance")
			if err := p.restart(ctx); err != nil {
				p.logger.Error("failed to restart browser instance", slog.String("error", err.Error()))
			} else {
				p.logger.Info("browser instance restarted successfully")
			}
		}
	}
}

// Healthy 打开一个空白页并执行脚本，判断浏览器是否响应。
func (p *Provider) Healthy(ctx context.Context) bool {
	p.mu.RLock()
	browser := p.browser
	p.mu.RUnlock()
	if browser == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, browserHealthTimeout)
	defer cancel()

	page, err := browser.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank", Background: true})
	if err != nil {
		return false
	}
	defer func() { _ = page.Close() }()

	_, err = page.Eval("() => document.title")
	return err == nil
}

func (p *Provider) restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			p.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		p.browser = nil
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()
	browser, err := startBrowser(initCtx, p.cfg, p.logger)
	if err != nil {
		return fmt.Errorf("start new browser: %w", err)
	}
	p.browser = browser
	return nil
}

// Close 停止健康检查并关闭浏览器。
func (p *Provider) Close() error {
	if p.bgCancel != nil {
		p.bgCancel()
	}
	p.mu.Lock()
	browser := p.browser
	p.browser = nil
	p.mu.Unlock()
	if browser == nil {
		return nil
	}
	return browser.Close()
}

// tab 实现 session.Handle。
type tab struct {
	page   *rod.Page
	logger *slog.Logger
}

func (t *tab) WaitNavigation(ctx context.Context) error {
	return t.page.Context(ctx).WaitLoad()
}

func (t *tab) Title(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (t *tab) Surface(ctx context.Context) error {
	_, err := t.page.Context(ctx).Activate()
	return err
}

// Inject 执行提取脚本，script 须为函数表达式，如 "() => { ... }"。
func (t *tab) Inject(ctx context.Context, script string) error {
	_, err := t.page.Context(ctx).Eval(script)
	return err
}

func (t *tab) Send(ctx context.Context, payload any) (json.RawMessage, error) {
	obj, err := t.page.Context(ctx).Eval(sendJS, payload)
	if err != nil {
		return nil, err
	}
	if obj.Value.Get("__noReceiver").Bool() {
		return nil, session.ErrNoReceiver
	}
	return json.RawMessage(obj.Value.JSON("", "")), nil
}

// Close 使用独立 context，会话 context 已取消时也能关闭标签页。
func (t *tab) Close() error {
	return t.page.Context(context.Background()).Close()
}
