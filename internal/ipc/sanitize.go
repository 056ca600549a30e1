package ipc

import "github.com/hnizdiljan/eway-crm-gateway/internal/logsanitize"

// sanitizeIPCValue strips control characters from a string before it is
// written to structured log output. Method names and message types come
// from the local tool and are not trusted.
func sanitizeIPCValue(s string) string {
	return logsanitize.Sanitize(s)
}
