package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 3 * time.Second

// PingChecker adapts a ping function (sql.DB.PingContext, a Redis ping, a
// document store probe) into a Checker.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// HTTPChecker reports healthy when GET url answers with a 2xx status, as
// the scoring service's /health does.
func HTTPChecker(name string, client *http.Client, url string) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return PingChecker(name, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
}

// StateChecker reports in-process state. state returns "" when healthy, or
// the reason it is not.
func StateChecker(name string, state func() string) Checker {
	return func(context.Context) Status {
		if reason := state(); reason != "" {
			return Status{Name: name, Healthy: false, Detail: reason}
		}
		return Status{Name: name, Healthy: true}
	}
}
