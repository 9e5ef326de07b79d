package utils

import "fmt"

const unit = 1024

// FormatBytes renders n with a binary unit suffix, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 5; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatRate renders a throughput of n bytes over elapsed.
func FormatRate(n int64, elapsed float64) string {
	if elapsed <= 0 {
		return "-"
	}
	return FormatBytes(int64(float64(n)/elapsed)) + "/s"
}
