package proxies

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountryCodeToFlag(t *testing.T) {
	tests := map[string]string{
		"us":  "🇺🇸",
		"JP":  "🇯🇵",
		"X":   "🌐",
		"USA": "🌐",
		"1A":  "🌐",
		"":    "🌐",
	}
	for in, want := range tests {
		if got := CountryCodeToFlag(in); got != want {
			t.Errorf("CountryCodeToFlag(%q) = %s, 期望 %s", in, got, want)
		}
	}
}

func TestLabelerUnique(t *testing.T) {
	l := NewLabeler()
	in := []string{"x", "x", "y", "x", "y"}
	want := []string{"x", "x-1", "y", "x-2", "y-1"}
	for i, label := range in {
		if got := l.Unique(label); got != want[i] {
			t.Errorf("第 %d 个标签 = %s, 期望 %s", i, got, want[i])
		}
	}

	// 与已发出的带后缀标签撞名时继续递增
	c := NewLabeler()
	seen := make(map[string]bool)
	for _, label := range []string{"x", "x", "x-1", "x-1", "x"} {
		got := c.Unique(label)
		if seen[got] {
			t.Errorf("标签重复: %s", got)
		}
		seen[got] = true
	}
	d := NewLabeler()
	if d.Unique("x-1") != "x-1" || d.Unique("x") != "x" || d.Unique("x") != "x-2" {
		t.Error("已存在 x-1 时第二个 x 应为 x-2")
	}

	l.Reset()
	if got := l.Unique("x"); got != "x" {
		t.Errorf("重置后标签应不带后缀，得到 %s", got)
	}

	var zero Labeler
	if zero.Unique("z") != "z" || zero.Unique("z") != "z-1" {
		t.Error("零值 Labeler 应可直接使用")
	}
}

type stubGeo struct {
	info  *GeoInfo
	err   error
	calls int
}

func (s *stubGeo) Lookup(context.Context, string) (*GeoInfo, error) {
	s.calls++
	return s.info, s.err
}

func TestBuildLabel(t *testing.T) {
	ctx := context.Background()
	full := &stubGeo{info: &GeoInfo{
		CountryCode:       "US",
		CountryName:       "United States",
		ASInfo:            "AS13335 Cloudflare",
		Regions:           []string{"CA", "SF"},
		RegisteredCountry: "US",
	}}

	info := BuildLabel(ctx, full, "trojan://pw@1.2.3.4:443", "1.2.3.4", 443)
	if info.Label != "🇺🇸|United States|AS13335 Cloudflare|CA-SF|原生IP" {
		t.Errorf("完整归属地标签不符: %s", info.Label)
	}
	if info.IsNative == nil || !*info.IsNative || info.Region != "CA-SF" || info.ISP != "AS13335 Cloudflare" {
		t.Errorf("归属地字段不符: %+v", info)
	}

	broadcast := &stubGeo{info: &GeoInfo{CountryCode: "HK", RegisteredCountry: "US"}}
	if got := BuildLabel(ctx, broadcast, "vless://u@8.8.8.8:443", "8.8.8.8", 443).Label; got != "🇭🇰|广播IP" {
		t.Errorf("广播IP 标签不符: %s", got)
	}

	empty := &stubGeo{info: &GeoInfo{}}
	if got := BuildLabel(ctx, empty, "vless://u@8.8.8.8:443", "8.8.8.8", 443).Label; got != "🌐|Unknown-8.8.8.8" {
		t.Errorf("空归属地标签不符: %s", got)
	}

	failed := &stubGeo{err: errors.New("boom")}
	if got := BuildLabel(ctx, failed, "vless://u@8.8.8.8:443", "8.8.8.8", 443).Label; got != "8.8.8.8:443" {
		t.Errorf("查询失败应回退为 host:port，得到 %s", got)
	}

	domain := &stubGeo{info: &GeoInfo{CountryCode: "US"}}
	if got := BuildLabel(ctx, domain, "trojan://pw@a.example.com:443", "a.example.com", 443).Label; got != "a.example.com:443" {
		t.Errorf("域名节点标签不符: %s", got)
	}
	if domain.calls != 0 {
		t.Error("域名节点不应查询归属地")
	}
}

func TestBuildLabelSocks5(t *testing.T) {
	geo := &stubGeo{}
	info := BuildLabel(context.Background(), geo, "socks5://u:p@1.2.3.4:1080#JP", "1.2.3.4", 1080)
	if info.Label != "🇯🇵|SOCKS5|1.2.3.4:1080" || info.CountryCode != "JP" {
		t.Errorf("socks5 标签不符: %+v", info)
	}
	if got := BuildLabel(context.Background(), geo, "socks5://1.2.3.4:1080", "1.2.3.4", 1080).Label; got != "🧦|SOCKS5|1.2.3.4:1080" {
		t.Errorf("无国家代码 socks5 标签不符: %s", got)
	}
	if geo.calls != 0 {
		t.Error("socks5 节点不应查询归属地")
	}
}

func TestHTTPGeolocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "Mozilla/5.0" {
			t.Errorf("User-Agent 不符: %s", r.Header.Get("User-Agent"))
		}
		switch strings.TrimPrefix(r.URL.Path, "/") {
		case "1.2.3.4":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"country":{"code":"DE","name":"Germany"},"registered_country":{"code":"DE"},"as":{"name":"Hetzner"},"regions_short":["BY"]}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewHTTPGeolocator(srv.URL + "/")
	info, err := g.Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("查询归属地失败: %v", err)
	}
	if info.CountryCode != "DE" || info.CountryName != "Germany" || info.ASInfo != "Hetzner" || info.RegisteredCountry != "DE" {
		t.Errorf("归属地解析不符: %+v", info)
	}
	if len(info.Regions) != 1 || info.Regions[0] != "BY" {
		t.Errorf("地区解析不符: %v", info.Regions)
	}

	if _, err := g.Lookup(context.Background(), "5.6.7.8"); err == nil {
		t.Error("非 200 响应应返回错误")
	}
}

func TestChainGeolocator(t *testing.T) {
	first := &stubGeo{err: errors.New("down")}
	second := &stubGeo{info: &GeoInfo{CountryCode: "SG"}}
	chain := ChainGeolocator{nil, first, second}

	info, err := chain.Lookup(context.Background(), "1.1.1.1")
	if err != nil || info.CountryCode != "SG" {
		t.Fatalf("链式查询应返回第二个结果: %+v %v", info, err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("调用次数不符: %d %d", first.calls, second.calls)
	}

	if _, err := (ChainGeolocator{first}).Lookup(context.Background(), "1.1.1.1"); err == nil {
		t.Error("全部失败应返回错误")
	}
	if _, err := (ChainGeolocator{}).Lookup(context.Background(), "1.1.1.1"); !errors.Is(err, ErrGeoNotFound) {
		t.Errorf("空链应返回 ErrGeoNotFound，得到 %v", err)
	}
}

func TestMaxMindGeolocatorNilDB(t *testing.T) {
	g := &MaxMindGeolocator{}
	if _, err := g.Lookup(context.Background(), "1.1.1.1"); !errors.Is(err, ErrGeoNotFound) {
		t.Errorf("未加载数据库应返回 ErrGeoNotFound，得到 %v", err)
	}
}
