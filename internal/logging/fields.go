package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供代数/策略/命中状态字段，供拦截器请求日志复用。
// policy 取值为 navigation/subresource/passthrough。
func RequestFields(generation, policy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"policy":     policy,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 供 install/activate 生命周期日志复用。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
