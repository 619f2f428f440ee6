package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New 生成带前缀的简易唯一 ID：prefix + 毫秒时间戳 + 随机后缀。
// 本仓库约定的前缀：att（绕过尝试）、evt（审计事件）、rpt（报告产物）；
// 会话 ID 例外，使用 uuid 以便跨工位引用。带时间戳的格式方便在
// 审计链和日志里按发生时间粗排，单机场景下唯一性足够。
func New(prefix string) string {
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
