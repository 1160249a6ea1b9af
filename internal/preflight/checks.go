package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"conveyor/internal/config"
	"conveyor/internal/sqldb"
)

const checkTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
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
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckStorage opens the configured database, applying pending migrations,
// and pings it.
func CheckStorage(ctx context.Context, cfg *config.Config) Result {
	name := "Storage (" + cfg.Storage.Driver + ")"

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	db, err := sqldb.Open(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarize(err)}
	}
	defer db.Close()
	if err := db.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarize(err)}
	}
	if cfg.Storage.Driver == config.DriverPostgres {
		return Result{Name: name, Passed: true, Detail: "reachable"}
	}
	return Result{Name: name, Passed: true, Detail: cfg.Storage.SQLitePath}
}

// CheckRedis verifies the redis broker answers PING.
func CheckRedis(ctx context.Context, addr, password string, db int) Result {
	const name = "Redis"
	if strings.TrimSpace(addr) == "" {
		return Result{Name: name, Detail: "missing address"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	defer client.Close()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", addr, summarize(err))}
	}
	return Result{Name: name, Passed: true, Detail: addr}
}

// CheckEndpoint verifies an HTTP endpoint accepts connections. Any response
// counts as reachable since collaborators only answer POST.
func CheckEndpoint(ctx context.Context, name, endpoint string) Result {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("invalid endpoint %q", endpoint)}
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, parsed.String(), nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	client := &http.Client{Timeout: checkTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", parsed.Host, summarize(err))}
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{Name: name, Detail: fmt.Sprintf("%s (status %d)", parsed.Host, resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: parsed.Host}
}

func summarize(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
