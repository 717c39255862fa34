package ldapauth

import (
	"log/slog"
	"strings"
)

// maskSensitiveData masks sensitive information for logging
func maskSensitiveData(data string) string {
	if len(data) <= 4 {
		return "***"
	}

	// Show first 2 and last 2 characters, mask the middle
	visible := 2
	if len(data) < 6 {
		visible = 1
	}

	prefix := data[:visible]
	suffix := data[len(data)-visible:]
	masked := strings.Repeat("*", len(data)-2*visible)

	return prefix + masked + suffix
}

func maskedAttr(key, value string) slog.Attr {
	if value == "" {
		return slog.String(key, "")
	}
	return slog.String(key, maskSensitiveData(value))
}

func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
