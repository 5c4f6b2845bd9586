// Package app 应用程序主入口
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang/v2"
	"github.com/robfig/cron/v3"

	"github.com/sinspired/subs-scan/assets"
	"github.com/sinspired/subs-scan/check"
	"github.com/sinspired/subs-scan/config"
	"github.com/sinspired/subs-scan/core"
	proxies "github.com/sinspired/subs-scan/proxy"
	"github.com/sinspired/subs-scan/save"
	"github.com/sinspired/subs-scan/save/method"
	"github.com/sinspired/subs-scan/utils"
)

const (
	interBatchPause = time.Second
	shutdownTimeout = 5 * time.Second
)

// App 管理配置、定时任务、HTTP 服务与扫描任务
type App struct {
	ctx        context.Context
	cancel     context.CancelFunc
	configPath string
	version    string

	watcher    *fsnotify.Watcher
	cronMu     sync.Mutex
	cron       *cron.Cron
	cronSpec   string
	httpServer *http.Server
	stopCh     <-chan struct{}

	store *save.Store
	bus   *check.ProgressBus
	lock  *check.TaskLock
	hub   *Hub

	corePath string
	geoMu    sync.RWMutex
	geo      proxies.Geolocator
	mmdb     *maxminddb.Reader
	mmdbPath string

	busy       atomic.Bool // 有任务在执行，供信号处理器判断
	taskMu     sync.Mutex
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

// New 创建应用实例，命令行参数由 main 解析
func New(version string, configPath string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:        ctx,
		cancel:     cancel,
		configPath: configPath,
		version:    version,
		bus:        check.NewProgressBus(),
		lock:       &check.TaskLock{},
		hub:        NewHub(),
	}
}

// Initialize 初始化应用程序
func (app *App) Initialize() error {
	if err := app.initConfigPath(); err != nil {
		return fmt.Errorf("初始化配置文件路径失败: %w", err)
	}
	if err := app.loadConfig(); err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}
	cfg := config.GlobalConfig
	utils.LogLevel.Set(utils.ParseLogLevel(cfg.LogLevel))

	if err := app.initStore(cfg); err != nil {
		return err
	}
	app.initCore(cfg)
	app.reloadGeo(cfg)

	if err := app.initConfigWatcher(); err != nil {
		return fmt.Errorf("初始化配置文件监听失败: %w", err)
	}

	if cfg.ListenPort != "" {
		if err := app.initHTTPServer(); err != nil {
			return fmt.Errorf("初始化HTTP服务器失败: %w", err)
		}
	}

	// 强制退出前清理残留的内核进程
	utils.BeforeExitHook = func() {
		if pids := core.KillStray(app.corePath); len(pids) > 0 {
			slog.Warn("强制退出前已清理内核进程", "pid", pids)
		}
	}
	app.stopCh = utils.SetupSignalHandler(&app.busy, app.cancelTask)
	return nil
}

func (app *App) initStore(cfg *config.Config) error {
	dataDir := utils.ResolvePath(cfg.DataDir, "data")
	store, err := save.NewStore(dataDir)
	if err != nil {
		return err
	}
	app.store = store
	app.applyMirror(cfg)
	slog.Info("数据目录", "路径", dataDir)
	return nil
}

// applyMirror 按 save-method 设置订阅文件的同步方式，配置错误时只保留本地数据
func (app *App) applyMirror(cfg *config.Config) {
	uploader, err := method.New(cfg, app.store.Dir())
	if err != nil {
		slog.Error(fmt.Sprintf("订阅保存方式配置错误: %v", err))
		app.store.SetMirror(nil)
		return
	}
	app.store.SetMirror(uploader)
}

// initCore 定位内核，缺失时按配置下载
func (app *App) initCore(cfg *config.Config) {
	app.corePath = resolveCorePath(cfg)
	err := assets.EnsureCore(app.ctx, assets.CoreOptions{
		Path:        app.corePath,
		DownloadURL: cfg.CoreDownloadURL,
		GithubProxy: cfg.GithubProxy,
		SystemProxy: utils.DetectSystemProxy(cfg.SystemProxy),
		SpeedLimit:  int64(cfg.CoreDownloadLimit) << 20,
	})
	if err != nil && !errors.Is(err, assets.ErrCoreMissing) {
		slog.Error(err.Error())
	}
}

func resolveCorePath(cfg *config.Config) string {
	if p := os.Getenv("SUBS_SCAN_CORE_PATH"); p != "" {
		return p
	}
	return utils.ResolvePath(cfg.CorePath, filepath.Join("bin", core.BinaryName()))
}

// reloadGeo 在线查询优先，MaxMind 数据库作为离线兜底
func (app *App) reloadGeo(cfg *config.Config) {
	app.geoMu.Lock()
	defer app.geoMu.Unlock()

	dbPath := utils.ResolvePath(cfg.MaxMindDBPath, "")
	if dbPath != app.mmdbPath {
		if app.mmdb != nil {
			_ = app.mmdb.Close()
			app.mmdb = nil
		}
		app.mmdbPath = dbPath
		if dbPath != "" {
			db, err := assets.OpenMaxMindDB(dbPath)
			if err != nil {
				slog.Warn(fmt.Sprintf("离线地理数据库不可用: %v", err))
			} else {
				app.mmdb = db
				slog.Info("已加载离线地理数据库", "路径", dbPath)
			}
		}
	}

	chain := proxies.ChainGeolocator{proxies.NewHTTPGeolocator(cfg.GeoAPIURL)}
	if app.mmdb != nil {
		chain = append(chain, &proxies.MaxMindGeolocator{DB: app.mmdb})
	}
	app.geo = chain
}

// newScanner 每次任务按当前配置组装，进度与任务锁共享
func (app *App) newScanner(cfg *config.Config) *check.Scanner {
	app.geoMu.RLock()
	geo := app.geo
	app.geoMu.RUnlock()

	coreOpts := core.DefaultOptions(app.corePath)
	coreOpts.DelayTimeout = cfg.DelayTimeoutDuration()

	return check.NewScanner(check.Options{
		Downloader: proxies.NewDownloader(
			cfg.SubTimeoutDuration(),
			cfg.SubUrlsReTry,
			time.Duration(cfg.SubUrlsRetryInterval)*time.Second,
			utils.DetectSystemProxy(cfg.SystemProxy),
		),
		Persister:       app.store,
		Geo:             geo,
		Factory:         core.NewFactory(coreOpts),
		Bus:             app.bus,
		Lock:            app.lock,
		TCPWindow:       cfg.TCPConcurrent,
		TCPTimeout:      cfg.TCPTimeoutDuration(),
		BatchSize:       cfg.BatchSize,
		InterBatchPause: interBatchPause,
	})
}

// Run 运行应用程序主循环，阻塞到收到退出信号
func (app *App) Run() {
	go app.hub.Run(app.ctx)
	go app.forwardEvents()

	app.setTimer()

	if config.GlobalConfig.ScanOnStartup {
		if !app.startScan("启动") {
			slog.Warn("已有任务正在进行，跳过启动扫描")
		}
	} else {
		slog.Info("未开启启动扫描，等待定时任务或手动触发")
	}

	<-app.stopCh
	if err := app.Shutdown(); err != nil {
		slog.Error("关闭应用失败", "err", err)
	}
}

// setTimer 按配置重新注册定时扫描
func (app *App) setTimer() {
	app.cronMu.Lock()
	defer app.cronMu.Unlock()

	spec := config.GlobalConfig.ScanCron()
	if app.cron != nil {
		if spec == app.cronSpec {
			return
		}
		app.cron.Stop()
		app.cron = nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, app.scheduledScan); err != nil {
		slog.Error(fmt.Sprintf("cron表达式 '%s' 解析失败: %v，定时扫描未启用", spec, err))
		app.cronSpec = ""
		return
	}
	c.Start()
	app.cron = c
	app.cronSpec = spec
	slog.Info(fmt.Sprintf("定时扫描: %s", spec), "下次执行", app.nextRunLocked())
}

func (app *App) nextRunLocked() string {
	if app.cron == nil {
		return ""
	}
	entries := app.cron.Entries()
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Next.Format("2006-01-02 15:04:05")
}

// NextRun 下次定时扫描时间，未启用时为空
func (app *App) NextRun() string {
	app.cronMu.Lock()
	defer app.cronMu.Unlock()
	return app.nextRunLocked()
}

func (app *App) scheduledScan() {
	if !app.startScan("定时") {
		slog.Warn("已有任务正在进行，跳过本次定时扫描", "当前任务", app.lock.Status().Kind.DisplayName())
	}
}

// startScan 获取任务锁后在后台扫描，锁被占用时返回 false
func (app *App) startScan(trigger string) bool {
	if !app.lock.TryAcquire(check.TaskScan) {
		return false
	}
	app.tasks.Go(func() {
		defer app.lock.Release(check.TaskScan)
		app.runScan(trigger)
	})
	return true
}

func (app *App) runScan(trigger string) {
	cfg := *config.GlobalConfig
	if len(cfg.SubUrls) == 0 {
		slog.Warn("未配置订阅链接，跳过扫描")
		return
	}

	ctx := app.beginTask()
	defer app.endTask()

	slog.Info("启动扫描任务", "触发方式", trigger, "订阅数量", len(cfg.SubUrls))
	start := time.Now()
	nodes, err := app.newScanner(&cfg).RunScan(ctx, cfg.SubUrls, cfg.ProbeURL())
	if err != nil {
		slog.Error(fmt.Sprintf("扫描失败: %v", err))
	}
	if nodes != nil {
		// 取消后仍保存已完成的部分
		saveCtx := context.WithoutCancel(ctx)
		if err := check.SaveWithRetry(saveCtx, app.store, check.NewScanResult(nodes), 3, time.Second, nil); err != nil {
			slog.Error(fmt.Sprintf("保存扫描结果失败: %v", err))
		} else {
			app.bus.PublishData(check.DataEvent{
				Type: check.EventNodesUpdated,
				Data: &check.DataEventData{TotalNodes: len(nodes), AliveNodes: len(nodes), Operation: "scan"},
			})
		}
	}

	if h, herr := app.store.LoadHistory(); herr == nil && h != nil && err == nil {
		utils.SendNotifyScanResult(app.ctx, &cfg, utils.ScanSummary{
			Alive:       h.SuccessNodes,
			Total:       h.TotalNodes,
			SuccessRate: h.SuccessRate,
			Duration:    time.Since(start),
		})
	}

	if next := app.NextRun(); next != "" {
		slog.Info(fmt.Sprintf("下次扫描时间: %s", next))
	}
	debug.FreeOSMemory()
}

// runHealthCheck 对节点池测活，调用方持有任务锁
func (app *App) runHealthCheck() (check.HealthReport, error) {
	cfg := *config.GlobalConfig
	current, err := app.store.LoadNodes()
	if err != nil {
		return check.HealthReport{}, err
	}
	if len(current.Nodes) == 0 {
		return check.HealthReport{DeadNodes: []check.DeadNode{}}, nil
	}

	ctx := app.beginTask()
	defer app.endTask()

	report, err := app.newScanner(&cfg).ValidateSingleBatch(ctx, current.Nodes, cfg.ProbeURL())
	if err != nil {
		return report, err
	}
	utils.SendNotifyHealthCheck(app.ctx, &cfg, report.Before, report.After)
	return report, nil
}

func (app *App) beginTask() context.Context {
	ctx, cancel := context.WithCancel(app.ctx)
	app.taskMu.Lock()
	app.taskCancel = cancel
	app.taskMu.Unlock()
	app.busy.Store(true)
	return ctx
}

func (app *App) endTask() {
	app.busy.Store(false)
	app.taskMu.Lock()
	if app.taskCancel != nil {
		app.taskCancel()
		app.taskCancel = nil
	}
	app.taskMu.Unlock()
}

// cancelTask 取消正在执行的任务，已完成的批次会被保存
func (app *App) cancelTask() {
	app.taskMu.Lock()
	defer app.taskMu.Unlock()
	if app.taskCancel != nil {
		app.taskCancel()
	}
}

// forwardEvents 把进度与数据变更转发给 websocket 客户端
func (app *App) forwardEvents() {
	progress, unsubProgress := app.bus.SubscribeProgress()
	defer unsubProgress()
	data, unsubData := app.bus.SubscribeData()
	defer unsubData()

	for {
		select {
		case <-app.ctx.Done():
			return
		case p, ok := <-progress:
			if !ok {
				return
			}
			app.hub.Broadcast(msgProgress, p)
		case ev, ok := <-data:
			if !ok {
				return
			}
			app.hub.Broadcast(msgData, ev)
		}
	}
}

// Shutdown 尝试优雅关闭所有子服务与资源
func (app *App) Shutdown() error {
	slog.Debug("开始关闭应用...")

	var lastErr error

	app.cancelTask()
	if app.cancel != nil {
		app.cancel()
	}

	app.cronMu.Lock()
	if app.cron != nil {
		app.cron.Stop()
	}
	app.cronMu.Unlock()

	if app.watcher != nil {
		lastErr = app.watcher.Close()
	}

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.httpServer.Shutdown(ctx); err != nil {
			lastErr = fmt.Errorf("关闭 HTTP 服务器失败: %w", err)
			slog.Error("关闭 HTTP 服务器失败", "err", err)
		} else {
			slog.Info("HTTP 服务器关闭", "addr", app.httpServer.Addr)
		}
	}

	// 等待正在收尾的任务保存结果
	done := make(chan struct{})
	go func() {
		app.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("等待任务结束超时")
	}

	app.geoMu.Lock()
	if app.mmdb != nil {
		_ = app.mmdb.Close()
		app.mmdb = nil
	}
	app.geoMu.Unlock()

	slog.Info("应用已关闭")
	return lastErr
}
