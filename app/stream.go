package app

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// progressStream 先推送当前快照，之后推送每次进度变化
func (app *App) progressStream(c *gin.Context) {
	ch, unsubscribe := app.bus.SubscribeProgress()
	defer unsubscribe()

	sseHeaders(c)
	c.SSEvent("", app.bus.Snapshot())
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case p, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("", p)
			return true
		}
	})
}

// dataStream 连接后先发送 connected，之后推送数据变更
func (app *App) dataStream(c *gin.Context) {
	ch, unsubscribe := app.bus.SubscribeData()
	defer unsubscribe()

	sseHeaders(c)
	c.SSEvent("", gin.H{"type": msgConnect, "timestamp": time.Now()})
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("", ev)
			return true
		}
	})
}

// serveWs 同一连接上推送进度与数据变更
func (app *App) serveWs(c *gin.Context) {
	app.hub.ServeWs(c.Writer, c.Request,
		WSMessage{Type: msgConnect, Data: gin.H{"timestamp": time.Now()}},
		WSMessage{Type: msgProgress, Data: app.bus.Snapshot()},
	)
}
