package app

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sinspired/subs-scan/config"
	"github.com/sinspired/subs-scan/save"
)

// SharePageData 订阅分享页所需的数据
type SharePageData struct {
	Title      string
	Base64URL  string
	ClashURL   string
	TotalNodes int
	AliveNodes int
	LastScan   string
	Task       string
}

var sharePageTmpl = template.Must(template.New("share").Parse(sharePageTemplateStr))

// subscriptionBase 优先使用 custom-domain，否则按请求推断
func subscriptionBase(c *gin.Context, customDomain string) string {
	if customDomain != "" {
		base := strings.TrimSuffix(customDomain, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base
	}
	scheme := "http"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// indexPage 显示订阅链接与节点池概况
func (app *App) indexPage(c *gin.Context) {
	base := subscriptionBase(c, config.GlobalConfig.CustomDomain)
	data := SharePageData{
		Title:     "Subs-Scan 订阅",
		Base64URL: base + "/sub",
		ClashURL:  base + "/sub?format=clash",
		Task:      "空闲",
	}
	if result, err := app.store.LoadNodes(); err == nil {
		data.TotalNodes = result.TotalNodes
		data.AliveNodes = len(save.AliveNodes(result.Nodes))
	}
	if h, err := app.store.LoadHistory(); err == nil && h != nil {
		data.LastScan = h.EndTime.Format("2006-01-02 15:04:05")
	}
	if st := app.lock.Status(); st.Locked {
		data.Task = st.Kind.DisplayName() + "中"
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := sharePageTmpl.Execute(c.Writer, data); err != nil {
		slog.Error("渲染订阅页面失败", "error", err)
	}
}

const sharePageTemplateStr = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>{{.Title}}</title>
    <style>
        body { font-family: sans-serif; margin: 2em; background: #fafafa; }
        .box { padding: 1.5em; border: 1px solid #ccc; border-radius: 8px; background: #fff; max-width: 720px; }
        h2 { color: #009768; }
        p { margin: 0.5em 0; }
        code { background: #f2f2f2; padding: 2px 6px; border-radius: 4px; word-break: break-all; }
    </style>
</head>
<body>
    <div class="box">
        <h2>🔗 订阅链接</h2>
        <p>通用 (base64): <code>{{.Base64URL}}</code></p>
        <p>Clash: <code>{{.ClashURL}}</code></p>
        <br>
        <p>节点总数: <b>{{.TotalNodes}}</b>，存活: <b>{{.AliveNodes}}</b></p>
        {{if .LastScan}}<p>上次扫描: {{.LastScan}}</p>{{end}}
        <p>当前任务: {{.Task}}</p>
        <br>
        <p>🚨 接口未设置认证，请勿暴露到公网！</p>
    </div>
</body>
</html>`
