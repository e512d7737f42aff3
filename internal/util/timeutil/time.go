// Package timeutil 提供时间相关的工具函数。
// 主要用于毫秒配置项换算与交易日边界判断。
package timeutil

import (
	"time"
)

// MsToDuration 将毫秒配置项转换为 time.Duration
// 参数 ms: 毫秒数
func MsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DayKey 获取时间所属交易日的键（UTC 日期，格式 2006-01-02）
// 日内风控累计以该键为边界，跨日即重置。
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SameDay 判断两个时间是否属于同一交易日（UTC）
func SameDay(a, b time.Time) bool {
	return DayKey(a) == DayKey(b)
}

// HoursBetween 计算两个时间的间隔（小时，浮点数以保留精度）
// 用于持仓时长统计。
func HoursBetween(start, end time.Time) float64 {
	return end.Sub(start).Hours()
}

// TruncateBucket 将时间截断到指定桶宽
// 用于信号指纹的时间桶：同一桶内的重复内容视为同一信号。
func TruncateBucket(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t
	}
	return t.Truncate(bucket)
}
