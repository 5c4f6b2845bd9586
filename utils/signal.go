package utils

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var ctrlCOccurred atomic.Bool

// BeforeExitHook 在 os.Exit 前调用的清理函数
var BeforeExitHook func()

// SetupSignalHandler 第一次 Ctrl+C 时若有任务在执行，取消任务并等待收尾；
// 再次 Ctrl+C 或无任务时关闭 stop 通道，5s 后强制退出
func SetupSignalHandler(busy *atomic.Bool, cancelTask func()) <-chan struct{} {
	slog.Debug("设置信号处理器")

	stop := make(chan struct{})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			slog.Debug("收到中断信号", "sig", sig)

			if busy != nil && busy.Load() {
				if ctrlCOccurred.CompareAndSwap(false, true) {
					if cancelTask != nil {
						cancelTask()
					}
					slog.Warn("已发送停止任务信号，正在保存已完成的批次。再次按 Ctrl+C 将立即退出程序")
					continue
				}
			}

			select {
			case <-stop:
			default:
				close(stop)
			}

			time.AfterFunc(5*time.Second, func() {
				if BeforeExitHook != nil {
					BeforeExitHook()
				}
				os.Exit(0)
			})
		}
	}()

	return stop
}
