package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ustabul/ustabul-gateway/internal/cache"
	"github.com/ustabul/ustabul-gateway/internal/logging"
)

// precacheItem 是安装阶段暂存的抓取结果，全部抓取成功后才开始落盘。
type precacheItem struct {
	path   string
	status int
	header http.Header
	body   []byte
}

// Install 将预缓存清单写入配置的代数。批量语义为 all-or-nothing：任何一个
// 条目抓取失败都会使安装整体失败，且不提交任何写入；若落盘中途失败而代数
// 是本次新建的，则整代回滚删除。
func (a *Agent) Install(ctx context.Context) error {
	started := time.Now()

	items := make([]precacheItem, 0, len(a.cfg.Precache))
	for _, path := range a.cfg.Precache {
		item, err := a.fetchPrecacheItem(ctx, path)
		if err != nil {
			a.logger.WithError(err).
				WithFields(logging.LifecycleFields("install", a.cfg.CacheName)).
				Error("precache_fetch_failed")
			return fmt.Errorf("precache %s: %w", path, err)
		}
		items = append(items, item)
	}

	isNew, err := a.generationAbsent(ctx, a.cfg.CacheName)
	if err != nil {
		return err
	}

	for _, item := range items {
		locator := cache.LocatorFor(a.cfg.CacheName, item.path, nil)
		opts := cache.PutOptions{
			Status:   item.status,
			Header:   item.header,
			StoredAt: time.Now().UTC(),
		}
		if _, err := a.store.Put(ctx, locator, bytes.NewReader(item.body), opts); err != nil {
			if isNew {
				_ = a.store.DeleteGeneration(ctx, a.cfg.CacheName)
			}
			a.logger.WithError(err).
				WithFields(logging.LifecycleFields("install", a.cfg.CacheName)).
				Error("precache_store_failed")
			return fmt.Errorf("precache store %s: %w", item.path, err)
		}
	}

	fields := logging.LifecycleFields("install", a.cfg.CacheName)
	fields["entries"] = len(items)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	a.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Activate 删除所有非当前代数，随后交换激活指针并持久化 ACTIVE 标记，
// 使新策略对在途与后续请求立即生效。
func (a *Agent) Activate(ctx context.Context) error {
	names, err := a.store.Generations(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == a.cfg.CacheName {
			continue
		}
		if err := a.store.DeleteGeneration(ctx, name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		a.logger.WithFields(logging.LifecycleFields("activate", name)).Info("generation_evicted")
	}

	if err := a.store.SetActiveGeneration(ctx, a.cfg.CacheName); err != nil {
		return err
	}
	a.current.Store(a.cfg.CacheName)

	a.logger.WithFields(logging.LifecycleFields("activate", a.cfg.CacheName)).Info("activate_complete")
	return nil
}

// Refresh 重跑一次 install → activate 周期，用于 /-/agent/refresh。
func (a *Agent) Refresh(ctx context.Context) error {
	if err := a.Install(ctx); err != nil {
		return err
	}
	return a.Activate(ctx)
}

// Start 是启动序列：安装失败时回退到上一次激活的代数继续服务，
// 两者都不可用才返回错误终止进程。
func (a *Agent) Start(ctx context.Context) error {
	installErr := a.Install(ctx)
	if installErr == nil {
		return a.Activate(ctx)
	}

	active, err := a.store.ActiveGeneration(ctx)
	if err == nil && active != "" {
		if absent, absErr := a.generationAbsent(ctx, active); absErr == nil && !absent {
			a.current.Store(active)
			fields := logging.LifecycleFields("install", a.cfg.CacheName)
			fields["resumed_generation"] = active
			a.logger.WithError(installErr).WithFields(fields).Warn("install_failed_resumed_previous")
			return nil
		}
	}
	return installErr
}

// Generations 暴露底层代数列表，供诊断接口使用。
func (a *Agent) Generations(ctx context.Context) ([]string, error) {
	return a.store.Generations(ctx)
}

func (a *Agent) generationAbsent(ctx context.Context, name string) (bool, error) {
	names, err := a.store.Generations(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if existing == name {
			return false, nil
		}
	}
	return true, nil
}

func (a *Agent) fetchPrecacheItem(ctx context.Context, path string) (precacheItem, error) {
	target := a.upstream.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return precacheItem{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := a.fetcher.Do(req)
	if err != nil {
		return precacheItem{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return precacheItem{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return precacheItem{}, err
	}

	return precacheItem{
		path:   path,
		status: resp.StatusCode,
		header: cacheableHeader(resp.Header),
		body:   body,
	}, nil
}
