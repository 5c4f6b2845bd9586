package proxies

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDownloaderFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("trojan://pw@a.example.com:443#a\n"))
		case "/missing":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewDownloader(5*time.Second, 3, 10*time.Millisecond, "")

	body, err := d.Fetch(context.Background(), srv.URL+"/ok")
	if err != nil {
		t.Fatalf("下载订阅失败: %v", err)
	}
	if !strings.HasPrefix(body, "trojan://") {
		t.Errorf("订阅内容不符: %q", body)
	}

	hits.Store(0)
	if _, err := d.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("404 应返回错误")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("404 不应重试，实际请求 %d 次", n)
	}

	hits.Store(0)
	if _, err := d.Fetch(context.Background(), srv.URL+"/flaky"); err == nil {
		t.Error("500 应返回错误")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("500 应重试 3 次，实际请求 %d 次", n)
	}
}

func TestDownloaderDatePlaceholder(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDownloader(5*time.Second, 1, 10*time.Millisecond, "")
	_, err := d.Fetch(context.Background(), srv.URL+"/{Ymd}.txt")
	if !errors.Is(err, ErrIgnore) {
		t.Errorf("日期占位符 404 应返回 ErrIgnore，得到 %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	today := "/" + time.Now().Format("20060102") + ".txt"
	if len(paths) != 1 || paths[0] != today {
		t.Errorf("请求路径不符: %v, 期望 %s", paths, today)
	}
}

func TestDownloaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := NewDownloader(100*time.Millisecond, 1, 10*time.Millisecond, "")
	start := time.Now()
	if _, err := d.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("超时应返回错误")
	}
	if time.Since(start) > time.Second {
		t.Errorf("超时未生效，耗时 %v", time.Since(start))
	}
}

func TestReplaceDatePlaceholders(t *testing.T) {
	ts := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	tests := map[string]string{
		"https://x/{Ymd}.txt":           "https://x/20240307.txt",
		"https://x/{y-m-d}.yaml":        "https://x/2024-03-07.yaml",
		"https://x/{Y_m_d}":             "https://x/2024_03_07",
		"https://x/{Y}/{m}/{d}/sub.txt": "https://x/2024/03/07/sub.txt",
		"https://x/plain":               "https://x/plain",
	}
	for in, want := range tests {
		if got := replaceDatePlaceholders(in, ts); got != want {
			t.Errorf("replaceDatePlaceholders(%q) = %q, 期望 %q", in, got, want)
		}
	}
	if hasDatePlaceholder("https://x/plain") {
		t.Error("普通链接不应被识别为日期占位符")
	}
}

func TestEnsureScheme(t *testing.T) {
	tests := map[string]string{
		"https://a.example.com/s":                  "https://a.example.com/s",
		"http://a.example.com/s":                   "http://a.example.com/s",
		"127.0.0.1:8199/sub":                       "http://127.0.0.1:8199/sub",
		"localhost:3000":                           "http://localhost:3000",
		"raw.githubusercontent.com/a/b/main/s.txt": "https://raw.githubusercontent.com/a/b/main/s.txt",
	}
	for in, want := range tests {
		if got := ensureScheme(in); got != want {
			t.Errorf("ensureScheme(%q) = %q, 期望 %q", in, got, want)
		}
	}
}
