package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/host/generation/响应来源字段，供拦截与转发日志复用。
// source 取值 network、cache、offline、synthetic 或 passthrough。
func RequestFields(origin, host, generation, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":     origin,
		"host":       host,
		"generation": generation,
		"source":     source,
		"cache_hit":  cacheHit,
	}
}

// WorkerFields 描述一次生命周期事件涉及的 generation 与 worker 状态。
func WorkerFields(event, generation, state string) logrus.Fields {
	return logrus.Fields{
		"event":      event,
		"generation": generation,
		"state":      state,
	}
}
