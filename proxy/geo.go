package proxies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/oschwald/maxminddb-golang/v2"
)

// GeoInfo IP 归属地
type GeoInfo struct {
	CountryCode       string
	CountryName       string
	ASInfo            string
	Regions           []string
	RegisteredCountry string
}

// Geolocator 查询 IPv4 地址的归属地
type Geolocator interface {
	Lookup(ctx context.Context, ip string) (*GeoInfo, error)
}

var ErrGeoNotFound = errors.New("未找到归属地信息")

// HTTPGeolocator 通过 ipgeo 接口查询，GET {BaseURL}/{ip}
type HTTPGeolocator struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPGeolocator(baseURL string) *HTTPGeolocator {
	return &HTTPGeolocator{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type ipgeoResponse struct {
	Country struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"country"`
	RegisteredCountry struct {
		Code string `json:"code"`
	} `json:"registered_country"`
	AS struct {
		Info string `json:"info"`
		Name string `json:"name"`
	} `json:"as"`
	RegionsShort []string `json:"regions_short"`
}

func (g *HTTPGeolocator) Lookup(ctx context.Context, ip string) (*GeoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/"+ip, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("查询归属地失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("归属地接口返回非200状态码: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取归属地响应失败: %w", err)
	}

	var r ipgeoResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("解析归属地 JSON 失败: %w", err)
	}

	return &GeoInfo{
		CountryCode:       r.Country.Code,
		CountryName:       r.Country.Name,
		ASInfo:            firstNonEmpty(r.AS.Info, r.AS.Name),
		Regions:           r.RegionsShort,
		RegisteredCountry: r.RegisteredCountry.Code,
	}, nil
}

type mmdbCountryRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// MaxMindGeolocator 离线 GeoLite2-Country 查询，只能给出国家信息
type MaxMindGeolocator struct {
	DB *maxminddb.Reader
}

func (g *MaxMindGeolocator) Lookup(_ context.Context, ip string) (*GeoInfo, error) {
	if g.DB == nil {
		return nil, ErrGeoNotFound
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("解析 IP 失败: %w", err)
	}

	result := g.DB.Lookup(addr)
	if !result.Found() {
		return nil, ErrGeoNotFound
	}
	var record mmdbCountryRecord
	if err := result.Decode(&record); err != nil {
		return nil, fmt.Errorf("maxmind 记录解码失败: %w", err)
	}
	if record.Country.ISOCode == "" {
		return nil, ErrGeoNotFound
	}

	name := record.Country.Names["en"]
	if name == "" {
		if c := countries.ByName(record.Country.ISOCode); c != countries.Unknown {
			name = c.String()
		}
	}

	return &GeoInfo{
		CountryCode:       record.Country.ISOCode,
		CountryName:       name,
		RegisteredCountry: record.RegisteredCountry.ISOCode,
	}, nil
}

// ChainGeolocator 依次尝试，返回第一个成功的结果
type ChainGeolocator []Geolocator

func (c ChainGeolocator) Lookup(ctx context.Context, ip string) (*GeoInfo, error) {
	var lastErr error = ErrGeoNotFound
	for _, g := range c {
		if g == nil {
			continue
		}
		info, err := g.Lookup(ctx, ip)
		if err == nil && info != nil {
			return info, nil
		}
		if err != nil {
			slog.Debug(fmt.Sprintf("归属地查询失败 %s: %v", ip, err))
			lastErr = err
		}
	}
	return nil, lastErr
}
