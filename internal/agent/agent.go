package agent

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ustabul/ustabul-gateway/internal/cache"
	"github.com/ustabul/ustabul-gateway/internal/config"
)

// Fetcher 抽象网络抓取原语，*http.Client 天然满足；测试可注入假实现。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 汇总 Agent 的全部依赖，按参数显式注入以便单测替换。
type Options struct {
	Store   cache.Store
	Fetcher Fetcher
	Logger  *logrus.Logger
	Config  config.AgentConfig
}

// Agent 承载 install/activate 生命周期与请求拦截策略。
type Agent struct {
	store    cache.Store
	fetcher  Fetcher
	logger   *logrus.Logger
	cfg      config.AgentConfig
	upstream *url.URL

	// current 是激活代数指针，Activate 交换后所有后续请求立即生效。
	current atomic.Value

	// writes 跟踪 fire-and-forget 缓存写入，Drain 用于优雅退出与测试收敛。
	writes sync.WaitGroup
}

// New 构造 Agent；上游地址在此一次性解析完成。
func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	upstream, err := url.Parse(opts.Config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if upstream.Host == "" {
		return nil, fmt.Errorf("upstream missing host: %s", opts.Config.Upstream)
	}

	a := &Agent{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		logger:   opts.Logger,
		cfg:      opts.Config,
		upstream: upstream,
	}
	a.current.Store("")
	return a, nil
}

// CurrentGeneration 返回当前激活的代数名；尚未激活时为空串。
func (a *Agent) CurrentGeneration() string {
	name, _ := a.current.Load().(string)
	return name
}

// PrecacheSize 返回预缓存清单长度，供诊断接口使用。
func (a *Agent) PrecacheSize() int {
	return len(a.cfg.Precache)
}

// Drain 等待所有后台缓存写入完成。
func (a *Agent) Drain() {
	a.writes.Wait()
}
