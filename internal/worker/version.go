package worker

import (
	"fmt"
	"net/url"

	"github.com/offline-hub/offline-hub/internal/config"
)

// Version 描述一次 worker 部署：generation 名称、清单和通知相关的应用信息。
// 同一个 CacheName 视为同一版本，更新检查据此判断是否需要重新安装。
type Version struct {
	CacheName       string
	Origin          *url.URL
	Manifest        []string
	OfflineURL      string
	NotificationURL string
	AppName         string
	Icon            string
}

// VersionFromConfig 将 [App] 配置转为 Version，清单与路径均解析为绝对 URL。
func VersionFromConfig(app config.AppConfig) (Version, error) {
	origin, err := url.Parse(app.Origin)
	if err != nil || origin.Host == "" {
		return Version{}, fmt.Errorf("invalid app origin %q", app.Origin)
	}
	manifest, err := app.ManifestURLs()
	if err != nil {
		return Version{}, err
	}
	icon := ""
	if app.Icon != "" {
		icon = app.ResolveURL(app.Icon)
	}
	return Version{
		CacheName:       app.CacheName,
		Origin:          origin,
		Manifest:        manifest,
		OfflineURL:      app.OfflinePageURL(),
		NotificationURL: app.NotificationTargetURL(),
		AppName:         app.Name,
		Icon:            icon,
	}, nil
}

// resolve 将相对路径解析为基于 Origin 的绝对 URL。
func (v Version) resolve(raw string) string {
	if v.Origin == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return v.Origin.ResolveReference(ref).String()
}
