package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
)

// LocatorFor 根据请求路径与查询串构建条目定位符。查询串被哈希为
// /__qs/<sha1> 后缀，保证带参数的 GET 拥有独立的缓存身份。
func LocatorFor(generation, rawPath string, rawQuery []byte) Locator {
	if rawPath == "" {
		rawPath = "/"
	}
	clean := path.Clean("/" + rawPath)
	if len(rawQuery) > 0 {
		sum := sha1.Sum(rawQuery)
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return Locator{Generation: generation, Path: clean}
}
