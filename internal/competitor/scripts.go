package competitor

import "fiyattakibi/internal/session"

const (
	hijackVar = "__fiyattakibiHijack"
	cdnVar    = "__fiyattakibiCDN"
)

// preloadScript 在页面脚本之前执行：拦截 JSON.parse 捕获图表数据，并记录 CDN 数据文件的地址。
const preloadScript = `(() => {
	const originalParse = JSON.parse;
	JSON.parse = function (text, reviver) {
		const parsed = originalParse.call(this, text, reviver);
		try {
			if (!window.` + hijackVar + ` && parsed && typeof parsed === 'object') {
				if (Array.isArray(parsed.d) && Array.isArray(parsed.y) && parsed.d.length > 5) {
					window.` + hijackVar + ` = parsed;
				} else if (Array.isArray(parsed) && parsed.length > 10 && Array.isArray(parsed[0]) && parsed[0].length === 2 && typeof parsed[0][0] === 'number') {
					window.` + hijackVar + ` = parsed;
				}
			}
		} catch (e) {}
		return parsed;
	};
	const isData = (name) => name.includes('.akamaized.net') && name.includes(':s');
	const check = (entries) => {
		for (const e of entries) {
			if (!window.` + cdnVar + ` && isData(e.name)) window.` + cdnVar + ` = e.name;
		}
	};
	if (window.PerformanceObserver) {
		try {
			new PerformanceObserver((list) => check(list.getEntries())).observe({ entryTypes: ['resource'] });
		} catch (e) {}
	}
	setInterval(() => { try { check(performance.getEntriesByType('resource')); } catch (e) {} }, 2000);
})();`

// productScript 注册提取监听器。
//
// 顺序：页面变量 _PRGJ；点击“价格历史”后等待拦截到的数据或 CDN 地址；都没有时返回整页 HTML。
// 没有图表按钮但已有当前价格时立即返回（可通过 fastExit=false 关闭）。
const productScript = `() => {
	window.` + session.ReceiverName + ` = {
		collect: async (req) => {
			const out = { priceText: '', scripts: [], hijack: null, cdnUrl: '', html: '', graphButton: false };
			const priceEl = document.querySelector('.pt_v8') || document.querySelector('[itemprop="price"]');
			if (priceEl) {
				out.priceText = (priceEl.textContent || '').trim() || (priceEl.getAttribute('content') || '');
			}
			for (const s of document.querySelectorAll('script')) {
				const t = s.textContent || '';
				if (t.includes('_PRGJ')) out.scripts.push(t);
			}
			if (out.scripts.length) return out;

			const captured = () => {
				if (window.` + hijackVar + `) { out.hijack = window.` + hijackVar + `; return true; }
				if (window.` + cdnVar + `) { out.cdnUrl = window.` + cdnVar + `; return true; }
				return false;
			};
			if (captured()) return out;

			let btn = document.querySelector('#PGM2_C');
			if (!btn) {
				for (const el of document.querySelectorAll('span, b, a, div')) {
					if ((el.textContent || '').trim() === 'Fiyat Geçmişi') { btn = el; break; }
				}
			}
			if (btn) {
				out.graphButton = true;
				btn.click();
			} else if (out.priceText && !(req && req.fastExit === false)) {
				return out;
			}

			const deadline = Date.now() + ((req && req.waitMs) || 10000);
			while (Date.now() < deadline) {
				if (captured()) return out;
				await new Promise((r) => setTimeout(r, 250));
			}
			out.html = document.documentElement.outerHTML;
			return out;
		}
	};
}`

// searchScript 返回搜索结果页 HTML。
const searchScript = `() => {
	window.` + session.ReceiverName + ` = {
		collect: async (req) => {
			const deadline = Date.now() + ((req && req.waitMs) || 5000);
			while (!document.querySelector('#APL, .p') && Date.now() < deadline) {
				await new Promise((r) => setTimeout(r, 250));
			}
			return { html: document.documentElement.outerHTML };
		}
	};
}`
