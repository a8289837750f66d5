// Package fallback implements memory.Fallback backends selected by the
// scheme of a connection URL.
package fallback

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"mcp-resource-server/internal/memory"
	"mcp-resource-server/internal/retry"
)

// Open connects to the backend named by rawURL. An empty URL disables the
// fallback. Keys are namespaced with prefix so Clear only touches this
// server's entries. Errors that a reconnect cannot fix are marked
// retry.Permanent.
func Open(ctx context.Context, rawURL, prefix string) (memory.Fallback, error) {
	if rawURL == "" {
		return memory.NoopFallback{}, nil
	}

	if strings.HasPrefix(rawURL, "file:") {
		return OpenSQLite(ctx, rawURL, prefix)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid fallback url: %w", err))
	}

	switch u.Scheme {
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, prefix)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, sqlitePath(rawURL), prefix)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawURL, prefix)
	default:
		return nil, retry.Permanent(fmt.Errorf("unsupported fallback scheme %q", u.Scheme))
	}
}

// sqlitePath strips the scheme, keeping relative and absolute paths intact:
// sqlite://data/cache.db and sqlite:///var/cache.db.
func sqlitePath(rawURL string) string {
	for _, scheme := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(rawURL, scheme) {
			return strings.TrimPrefix(rawURL, scheme)
		}
	}
	return rawURL
}
