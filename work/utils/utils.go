package utils

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// LogPath returns the media path as is, or an obfuscated version when paths
// must stay out of the logs.
func LogPath(obfuscate bool, p string) string {
	if obfuscate {
		return ObfuscatePath(p)
	}
	return p
}

// ObfuscatePath keeps the top directory and the file extension of a path and
// hides everything else.
func ObfuscatePath(p string) string {
	if p == "" || p == "/" {
		return p
	}

	trimmed := strings.Trim(p, "/")
	top, _, nested := strings.Cut(trimmed, "/")
	result := "/" + top
	if nested {
		result += "/***"
	}
	if ext := path.Ext(trimmed); ext != "" && nested {
		result += ext
	}
	return result
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatUptime renders a duration as "1d 2h 3m 4s", leaving out leading zero
// units.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	seconds := int((d - time.Duration(minutes)*time.Minute) / time.Second)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
