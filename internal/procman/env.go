package procman

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides injected at spawn time. The sidecar reads these on
// startup; everything else is inherited from the current process.
const (
	envLogFile         = "SIDECAR_LOG_FILE"
	envLogRotation     = "SIDECAR_LOG_ROTATION_ENABLED"
	envMaxLogFiles     = "SIDECAR_MAX_LOG_FILES"
	envBindAddress     = "SIDECAR_BIND_ADDRESS"
	envRedirectBaseURL = "SIDECAR_REDIRECT_BASE_URL"
)

// procVersionPath is swapped by tests to fake a virtualized kernel.
var procVersionPath = "/proc/version"

// spawnEnv composes the child environment: the current process env with the
// fixed log overrides applied last, plus the bind/redirect overrides when a
// virtualized Linux environment is detected (a host browser must be able to
// reach the loopback service through the VM boundary).
func (c *Controller) spawnEnv() []string {
	overrides := map[string]string{
		envLogFile:     c.opts.LogFile,
		envLogRotation: "true",
		envMaxLogFiles: strconv.Itoa(c.opts.MaxLogFiles),
	}
	if virtualizedLinux() {
		overrides[envBindAddress] = "0.0.0.0"
		if host, err := os.Hostname(); err == nil && host != "" {
			overrides[envRedirectBaseURL] = fmt.Sprintf("http://%s:%d", host, c.opts.Port)
		}
	}
	return mergeEnv(os.Environ(), overrides)
}

// mergeEnv replaces existing keys in base with overrides and appends the rest.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		k := kv[:i]
		if v, ok := overrides[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// virtualizedLinux reports whether we are inside a Linux virtualization layer
// whose loopback is not directly reachable from the host (WSL kernels
// advertise Microsoft in /proc/version).
func virtualizedLinux() bool {
	b, err := os.ReadFile(procVersionPath)
	if err != nil {
		return false
	}
	return bytes.Contains(bytes.ToLower(b), []byte("microsoft"))
}
