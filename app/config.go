package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"

	"github.com/sinspired/subs-scan/check"
	"github.com/sinspired/subs-scan/config"
	"github.com/sinspired/subs-scan/utils"
)

const configDebounce = 100 * time.Millisecond

// initConfigPath 初始化配置文件路径
func (app *App) initConfigPath() error {
	if app.configPath == "" {
		configDir := filepath.Join(utils.GetExecutablePath(), "config")
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
		app.configPath = filepath.Join(configDir, "config.yaml")
	}
	if abs, err := filepath.Abs(app.configPath); err == nil {
		app.configPath = abs
	}
	return nil
}

// loadConfig 加载配置文件，不存在时写入默认模板并使用默认值
func (app *App) loadConfig() error {
	data, err := os.ReadFile(app.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return app.createDefaultConfig()
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return err
	}
	*config.GlobalConfig = *cfg

	slog.Info("配置文件读取成功")
	return nil
}

// parseConfig 解析到带默认值的新实例，避免旧配置残留
func parseConfig(data []byte) (*config.Config, error) {
	cfg := config.Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// createDefaultConfig 写入带注释的配置模板
func (app *App) createDefaultConfig() error {
	slog.Info("配置文件不存在，创建默认配置文件")

	if err := os.MkdirAll(filepath.Dir(app.configPath), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	if err := os.WriteFile(app.configPath, config.DefaultConfigTemplate, 0o644); err != nil {
		return fmt.Errorf("写入默认配置文件失败: %w", err)
	}

	cfg, err := parseConfig(config.DefaultConfigTemplate)
	if err != nil {
		return err
	}
	*config.GlobalConfig = *cfg

	slog.Info("默认配置文件创建成功")
	slog.Info(fmt.Sprintf("请编辑配置文件添加订阅链接: %s", app.configPath))
	return nil
}

// writeConfig 保存配置内容，监听器负责重新加载
func (app *App) writeConfig(data []byte) error {
	if _, err := parseConfig(data); err != nil {
		return err
	}
	tmp := app.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	if err := os.Rename(tmp, app.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return nil
}

// initConfigWatcher 初始化配置文件监听
func (app *App) initConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	app.watcher = watcher

	// 编辑器保存时可能先写临时文件再覆盖，会产生多次事件
	var debounceTimer *time.Timer
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != app.configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(configDebounce, app.reloadConfig)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error(fmt.Sprintf("配置文件监听错误: %v", err))
			}
		}
	}()

	// 监听目录以兼容容器外的覆盖写入
	if err := watcher.Add(filepath.Dir(app.configPath)); err != nil {
		return fmt.Errorf("添加配置文件监听失败: %w", err)
	}

	slog.Info("配置文件监听已启动")
	return nil
}

// reloadConfig 重新加载配置并应用变化
func (app *App) reloadConfig() {
	slog.Info("配置文件发生变化，正在重新加载")
	old := *config.GlobalConfig

	if err := app.loadConfig(); err != nil {
		slog.Error(fmt.Sprintf("重新加载配置文件失败: %v", err))
		return
	}
	app.applyConfig(&old, config.GlobalConfig)
}

// applyConfig 根据新旧配置的差异调整运行中的组件
func (app *App) applyConfig(old, cur *config.Config) {
	utils.LogLevel.Set(utils.ParseLogLevel(cur.LogLevel))

	if old.ScanCron() != cur.ScanCron() {
		slog.Warn("扫描计划发生变化，重新配置定时器")
		app.setTimer()
	}
	if mirrorChanged(old, cur) && app.store != nil {
		slog.Info("订阅保存方式发生变化", "save-method", cur.SaveMethod)
		app.applyMirror(cur)
	}
	if old.MaxMindDBPath != cur.MaxMindDBPath || old.GeoAPIURL != cur.GeoAPIURL {
		app.reloadGeo(cur)
	}
	if old.CorePath != cur.CorePath {
		slog.Info("内核路径发生变化")
		app.initCore(cur)
	}
	if old.ListenPort != cur.ListenPort {
		slog.Warn("监听地址变化需重启程序后生效", "listen-port", cur.ListenPort)
	}

	app.bus.PublishData(check.DataEvent{Type: check.EventConfigUpdated})
}

func mirrorChanged(old, cur *config.Config) bool {
	return old.SaveMethod != cur.SaveMethod ||
		old.WebDAVURL != cur.WebDAVURL || old.WebDAVUsername != cur.WebDAVUsername || old.WebDAVPassword != cur.WebDAVPassword ||
		old.WorkerURL != cur.WorkerURL || old.WorkerToken != cur.WorkerToken ||
		old.S3Endpoint != cur.S3Endpoint || old.S3AccessID != cur.S3AccessID || old.S3SecretKey != cur.S3SecretKey ||
		old.S3Bucket != cur.S3Bucket || old.S3UseSSL != cur.S3UseSSL || old.S3BucketLookup != cur.S3BucketLookup
}
