package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"

	"github.com/sinspired/subs-scan/check"
	"github.com/sinspired/subs-scan/config"
	"github.com/sinspired/subs-scan/save"
	"github.com/sinspired/subs-scan/utils"
)

const maxConfigBody = 1 << 20

// initHTTPServer 初始化HTTP服务器
func (app *App) initHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := app.newRouter()

	addr := config.GlobalConfig.ListenPort
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("HTTP服务器运行失败: %v", err))
		}
	}()
	slog.Info("HTTP服务器启动", "addr", addr)
	return nil
}

// newRouter 注册全部路由
func (app *App) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// 长连接不记录访问日志
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    utils.LogWriter,
		SkipPaths: []string{"/api/scan/progress", "/api/events", "/api/ws"},
	}))

	router.GET("/", app.indexPage)
	router.GET("/sub", app.subscribe)
	// 兼容旧订阅地址
	router.GET("/api/subscribe", app.subscribe)

	api := router.Group("/api")
	{
		api.GET("/config", app.getConfig)
		api.POST("/config", app.updateConfig)

		api.GET("/status", app.getStatus)
		api.POST("/scan", app.triggerScanHandler)
		api.GET("/scan/progress", app.progressStream)
		api.GET("/events", app.dataStream)
		api.GET("/ws", app.serveWs)

		api.GET("/nodes", app.getNodes)
		api.DELETE("/nodes", app.clearNodes)
		api.POST("/health-check", app.healthCheckHandler)
	}
	return router
}

// conflict 任务锁被占用时的响应
func conflict(c *gin.Context, st check.LockStatus) {
	c.JSON(http.StatusConflict, gin.H{
		"error":   "任务正在执行",
		"message": fmt.Sprintf("当前正在执行%s任务，请等待完成后再试", st.Kind.DisplayName()),
		"currentTask": gin.H{
			"type":      st.Kind,
			"startTime": st.StartedAt,
		},
	})
}

// getConfig 获取配置文件内容
func (app *App) getConfig(c *gin.Context) {
	data, err := os.ReadFile(app.configPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("读取配置文件失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"content": string(data),
		"path":    app.configPath,
	})
}

// updateConfig 接受 {"content": "<yaml>"}、YAML 文本或 JSON 配置对象
func (app *App) updateConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
		return
	}

	content := body
	var wrapped struct {
		Content *string `json:"content"`
	}
	if json.Unmarshal(body, &wrapped) == nil {
		if wrapped.Content != nil {
			content = []byte(*wrapped.Content)
		} else {
			// JSON 配置对象，转换为 YAML 再保存
			cfg, err := parseConfig(body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("配置格式错误: %v", err)})
				return
			}
			if content, err = yaml.Marshal(cfg); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("生成配置失败: %v", err)})
				return
			}
		}
	}

	if err := app.writeConfig(content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// 配置文件监听器会自动重新加载配置
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "配置已更新"})
}

// getStatus 当前任务、进度与最近一次扫描摘要
func (app *App) getStatus(c *gin.Context) {
	resp := gin.H{
		"version":  app.version,
		"task":     app.lock.Status(),
		"progress": app.bus.Snapshot(),
		"nextScan": app.NextRun(),
	}
	if h, err := app.store.LoadHistory(); err != nil {
		slog.Warn(fmt.Sprintf("读取扫描历史失败: %v", err))
	} else if h != nil {
		resp["lastScan"] = h
	}
	if nodes, err := app.store.LoadNodes(); err == nil {
		resp["totalNodes"] = nodes.TotalNodes
		resp["aliveNodes"] = len(save.AliveNodes(nodes.Nodes))
	}
	c.JSON(http.StatusOK, resp)
}

// triggerScanHandler 后台启动扫描
func (app *App) triggerScanHandler(c *gin.Context) {
	if len(config.GlobalConfig.SubUrls) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未配置订阅链接"})
		return
	}
	if !app.startScan("手动") {
		conflict(c, app.lock.Status())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "扫描已开始"})
}

func (app *App) getNodes(c *gin.Context) {
	result, err := app.store.LoadNodes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("读取节点失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// clearNodes 清空代理池
func (app *App) clearNodes(c *gin.Context) {
	slog.Info("清空代理池")
	if err := app.store.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("清空节点失败: %v", err)})
		return
	}
	app.bus.PublishData(check.DataEvent{
		Type: check.EventNodesCleared,
		Data: &check.DataEventData{TotalNodes: 0, AliveNodes: 0, Operation: "clear_all"},
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "代理池已清空"})
}

// healthCheckHandler 同步测活，返回移除的节点
func (app *App) healthCheckHandler(c *gin.Context) {
	if !app.lock.TryAcquire(check.TaskHealthCheck) {
		conflict(c, app.lock.Status())
		return
	}
	defer app.lock.Release(check.TaskHealthCheck)

	report, err := app.runHealthCheck()
	if err != nil {
		slog.Error(fmt.Sprintf("测活失败: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "测活失败", "message": err.Error()})
		return
	}
	if report.Before == 0 {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "没有节点需要测活",
			"before":  0,
			"after":   0,
			"removed": 0,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   fmt.Sprintf("测活完成，移除 %d 个失效节点", report.Removed),
		"before":    report.Before,
		"after":     report.After,
		"removed":   report.Removed,
		"deadNodes": report.DeadNodes,
	})
}

// subscribe 输出订阅，format 为 base64（默认）、clash 或 yaml
func (app *App) subscribe(c *gin.Context) {
	result, err := app.store.LoadNodes()
	if err != nil {
		slog.Error(fmt.Sprintf("读取节点失败: %v", err))
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if len(save.AliveNodes(result.Nodes)) == 0 {
		c.String(http.StatusOK, "")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Profile-Update-Interval", save.ProfileUpdateInterval)
	c.Header("Subscription-Userinfo", save.SubscriptionUserinfo(time.Now()))

	switch c.DefaultQuery("format", "base64") {
	case "clash", "yaml":
		data, err := save.RenderClash(result.Nodes)
		if err != nil {
			slog.Error(fmt.Sprintf("生成 clash 订阅失败: %v", err))
			c.String(http.StatusInternalServerError, "Internal Server Error")
			return
		}
		c.Header("Content-Disposition", `inline; filename="clash.yaml"`)
		c.Data(http.StatusOK, "text/yaml; charset=utf-8", data)
	default:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(save.RenderBase64(result.Nodes)))
	}
}
