package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateConnID 生成WebSocket连接ID，用于日志追踪
func GenerateConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// 随机数生成失败时退化为时间戳
		return fmt.Sprintf("%d%x", time.Now().UnixNano(), b)
	}
	return hex.EncodeToString(b)
}
