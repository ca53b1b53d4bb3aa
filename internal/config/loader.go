package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectCrossOriginManifest(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver != "redis" && cfg.Global.StorageDriver != "memory" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", "file")
	v.SetDefault("StorageMemoryLimit", 256*1024*1024)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("RedisKeyPrefix", "offline-hub")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UpdateInterval", "60s")
	v.SetDefault("AutoSkipWaiting", false)
	v.SetDefault("MetricsEnabled", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.UpdateInterval.DurationValue() < 0 {
		g.UpdateInterval = Duration(0)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = "file"
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.Upstream = strings.TrimRight(strings.TrimSpace(a.Upstream), "/")
	if a.Upstream == "" {
		a.Upstream = a.Origin
	}
	if strings.TrimSpace(a.Name) == "" {
		a.Name = "Offline Hub"
	}
	if strings.TrimSpace(a.OfflineURL) == "" {
		a.OfflineURL = "/admin/"
	}
	if strings.TrimSpace(a.NotificationURL) == "" {
		a.NotificationURL = "/admin/dashboard"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectCrossOriginManifest 拒绝把 Manifest 写在 [[CrossOrigin]] 中，清单只属于 [App]。
// TOML 数组表经 viper 读出后是 []map[string]interface{}，其它来源可能是 []interface{}。
func rejectCrossOriginManifest(v *viper.Viper) error {
	var entries []map[string]interface{}
	switch raw := v.Get("CrossOrigin").(type) {
	case []map[string]interface{}:
		entries = raw
	case []interface{}:
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				entries = append(entries, m)
			}
		}
	default:
		return nil
	}

	for idx, entry := range entries {
		if _, exists := lookupFold(entry, "Manifest"); !exists {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupFold(entry, "Name"); ok {
			if str, ok := rawName.(string); ok && str != "" {
				name = str
			}
		}
		return newFieldError(crossOriginField(name, "Manifest"), "不支持，请将跨域资源写入 App.Manifest")
	}

	return nil
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, value := range m {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}
