package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理按代数组织的磁盘缓存读写与代数回收。
type Store interface {
	// Match 返回一个可流式读取的缓存快照。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将响应快照写入缓存，覆盖语义（last-write-wins）。实现需通过临时文件 +
	// rename 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Generations 枚举当前存在的全部代数名。
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration 整体删除一个代数；代数不存在时为 no-op。
	DeleteGeneration(ctx context.Context, name string) error

	// ActiveGeneration 返回持久化的激活代数名；尚未激活过时返回空串。
	ActiveGeneration(ctx context.Context) (string, error)

	// SetActiveGeneration 持久化激活代数名，供进程重启后恢复。
	SetActiveGeneration(ctx context.Context, name string) error
}

// PutOptions 描述随正文一并持久化的响应元数据。
type PutOptions struct {
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// Locator 唯一定位一个缓存条目（代数 + 请求路径），所有路径均为 URL 路径风格。
type Locator struct {
	Generation string
	Path       string
}

// Snapshot 是 meta sidecar 的持久化形态。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及快照元数据。
type Entry struct {
	Locator   Locator  `json:"locator"`
	FilePath  string   `json:"file_path"`
	SizeBytes int64    `json:"size_bytes"`
	Snapshot  Snapshot `json:"snapshot"`
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截器直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
