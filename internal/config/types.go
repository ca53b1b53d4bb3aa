package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	StorageMemoryLimit int64    `mapstructure:"StorageMemoryLimit"`
	RedisAddr          string   `mapstructure:"RedisAddr"`
	RedisPassword      string   `mapstructure:"RedisPassword"`
	RedisDB            int      `mapstructure:"RedisDB"`
	RedisKeyPrefix     string   `mapstructure:"RedisKeyPrefix"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	UpdateInterval     Duration `mapstructure:"UpdateInterval"`
	AutoSkipWaiting    bool     `mapstructure:"AutoSkipWaiting"`
	MetricsEnabled     bool     `mapstructure:"MetricsEnabled"`
	OtelEndpoint       string   `mapstructure:"OtelEndpoint"`
}

// AppConfig 描述被托管的 Web 应用：对外 Origin、真实上游以及离线缓存清单。
type AppConfig struct {
	Name            string   `mapstructure:"Name"`
	Origin          string   `mapstructure:"Origin"`
	Upstream        string   `mapstructure:"Upstream"`
	Proxy           string   `mapstructure:"Proxy"`
	CacheName       string   `mapstructure:"CacheName"`
	OfflineURL      string   `mapstructure:"OfflineURL"`
	NotificationURL string   `mapstructure:"NotificationURL"`
	Icon            string   `mapstructure:"Icon"`
	Manifest        []string `mapstructure:"Manifest"`
}

// CrossOriginConfig 是允许经网关访问的第三方 Origin（CDN 等），其响应不会被机会式缓存。
type CrossOriginConfig struct {
	Name   string `mapstructure:"Name"`
	Origin string `mapstructure:"Origin"`
	Proxy  string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig        `mapstructure:",squash"`
	App          AppConfig           `mapstructure:"App"`
	CrossOrigins []CrossOriginConfig `mapstructure:"CrossOrigin"`
}

// OriginURL 返回解析后的 App.Origin（假定 Validate 已通过）。
func (a AppConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(a.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// UpstreamURL 返回同源请求真正转发的地址，未配置时与 Origin 相同。
func (a AppConfig) UpstreamURL() *url.URL {
	if strings.TrimSpace(a.Upstream) == "" {
		return a.OriginURL()
	}
	parsed, err := url.Parse(a.Upstream)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// ManifestURLs 将清单中的相对路径解析为基于 Origin 的绝对 URL，保持原有顺序。
func (a AppConfig) ManifestURLs() ([]string, error) {
	base := a.OriginURL()
	result := make([]string, 0, len(a.Manifest))
	for _, raw := range a.Manifest {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", raw, err)
		}
		result = append(result, base.ResolveReference(ref).String())
	}
	return result, nil
}

// OfflinePageURL 返回离线兜底页的绝对 URL。
func (a AppConfig) OfflinePageURL() string {
	return a.ResolveURL(a.OfflineURL)
}

// NotificationTargetURL 返回通知点击默认打开的绝对 URL。
func (a AppConfig) NotificationTargetURL() string {
	return a.ResolveURL(a.NotificationURL)
}

// ResolveURL 将相对路径解析为基于 Origin 的绝对 URL。
func (a AppConfig) ResolveURL(raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return a.OriginURL().ResolveReference(ref).String()
}

// IsSecureOrigin 判断 Origin 是否满足安全上下文：https 或回环地址。
func IsSecureOrigin(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme == "https" {
		return true
	}
	if parsed.Scheme != "http" {
		return false
	}
	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CrossOriginNames 输出 Name=Origin 摘要，供启动日志使用。
func CrossOriginNames(entries []CrossOriginConfig) []string {
	if len(entries) == 0 {
		return nil
	}
	result := make([]string, len(entries))
	for i, entry := range entries {
		result[i] = fmt.Sprintf("%s=%s", entry.Name, entry.Origin)
	}
	return result
}
