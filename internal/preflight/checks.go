package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// CheckDirectoryAccess verifies that the directory exists (creating it when
// missing) and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: create: %v)", path, err)}
		}
		if info, err = os.Stat(path); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
		}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckReadableFile verifies that path is a regular file the process can read.
func CheckReadableFile(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckToken reports whether an API token is configured. The token itself is
// never echoed.
func CheckToken(token string) Result {
	const name = "API token"
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{Name: name, Detail: "missing"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("present (%d chars)", len(token))}
}

// CheckPublicURL verifies the reply URL handed to the remote service.
func CheckPublicURL(raw string) Result {
	const name = "Reply URL"
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", raw, err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: scheme must be http or https)", raw)}
	}
	if parsed.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: missing host)", raw)}
	}
	return Result{Name: name, Passed: true, Detail: parsed.String()}
}

// CheckBind verifies the webhook listen address is free.
func CheckBind(ctx context.Context, addr string) Result {
	const name = "Webhook listener"
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: address already in use)", addr)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", addr, err)}
	}
	_ = ln.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (available)", addr)}
}
