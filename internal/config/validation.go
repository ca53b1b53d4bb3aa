package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"file":   {},
	"sqlite": {},
	"redis":  {},
	"memory": {},
}

const supportedStorageDriverList = "file|sqlite|redis|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if driver == "" {
		driver = "file"
	}
	if _, ok := supportedStorageDrivers[driver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	c.Global.StorageDriver = driver
	if (driver == "file" || driver == "sqlite") && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if driver == "redis" && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 驱动需要地址")
	}
	if g.StorageMemoryLimit < 0 {
		return newFieldError("Global.StorageMemoryLimit", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpdateInterval.DurationValue() < 0 {
		return newFieldError("Global.UpdateInterval", "不能为负数")
	}
	if g.OtelEndpoint != "" {
		if err := validateUpstream(g.OtelEndpoint); err != nil {
			return fmt.Errorf("Global.OtelEndpoint: %w", err)
		}
	}

	if err := c.validateApp(); err != nil {
		return err
	}

	appHost := strings.ToLower(c.App.OriginURL().Host)
	seenNames := map[string]struct{}{}
	seenHosts := map[string]struct{}{appHost: {}}
	for i := range c.CrossOrigins {
		entry := &c.CrossOrigins[i]
		if entry.Name == "" {
			return newFieldError("CrossOrigin[].Name", "不能为空")
		}
		if _, exists := seenNames[entry.Name]; exists {
			return newFieldError(crossOriginField(entry.Name, "Name"), "重复")
		}
		seenNames[entry.Name] = struct{}{}

		entry.Origin = strings.TrimRight(strings.TrimSpace(entry.Origin), "/")
		if err := validateOrigin(entry.Origin); err != nil {
			return fmt.Errorf("%s: %w", crossOriginField(entry.Name, "Origin"), err)
		}
		host := strings.ToLower(mustHost(entry.Origin))
		if _, exists := seenHosts[host]; exists {
			return newFieldError(crossOriginField(entry.Name, "Origin"), "与其它 Origin 重复")
		}
		seenHosts[host] = struct{}{}

		if entry.Proxy != "" {
			if err := validateUpstream(entry.Proxy); err != nil {
				return fmt.Errorf("%s: %w", crossOriginField(entry.Name, "Proxy"), err)
			}
		}
	}

	manifest, err := c.App.ManifestURLs()
	if err != nil {
		return newFieldError("App.Manifest", err.Error())
	}
	for _, entry := range manifest {
		parsed, err := url.Parse(entry)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return newFieldError("App.Manifest", fmt.Sprintf("仅支持 http/https 资源: %s", entry))
		}
		if _, ok := seenHosts[strings.ToLower(parsed.Host)]; !ok {
			return newFieldError("App.Manifest", fmt.Sprintf("资源不属于 App 或任何 CrossOrigin: %s", entry))
		}
	}

	return nil
}

func (c *Config) validateApp() error {
	app := c.App
	if err := validateOrigin(app.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if !IsSecureOrigin(app.Origin) {
		return newFieldError("App.Origin", "必须为安全上下文（https 或回环地址）")
	}
	if app.Upstream != "" {
		if err := validateUpstream(app.Upstream); err != nil {
			return fmt.Errorf("App.Upstream: %w", err)
		}
	}
	if app.Proxy != "" {
		if err := validateUpstream(app.Proxy); err != nil {
			return fmt.Errorf("App.Proxy: %w", err)
		}
	}
	name := app.CacheName
	if strings.TrimSpace(name) == "" {
		return newFieldError("App.CacheName", "不能为空")
	}
	if strings.TrimSpace(name) != name || name == "." || name == ".." {
		return newFieldError("App.CacheName", "不能包含首尾空白或路径片段")
	}
	for field, raw := range map[string]string{"App.OfflineURL": app.OfflineURL, "App.NotificationURL": app.NotificationURL} {
		if !strings.HasPrefix(raw, "/") {
			return newFieldError(field, "必须是以 / 开头的同源路径")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("Origin 不允许包含路径")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return errors.New("Origin 不允许包含查询或片段")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func mustHost(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Host
}
