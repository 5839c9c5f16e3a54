// Package source defines the contract every API adapter implements and the
// registry adapters add themselves to.
//
// An adapter knows how to fetch one page of raw records for a partition,
// how to turn a raw record into a warehouse row, and which table those rows
// land in. Everything else (watermarks, pagination loop, retries, batching)
// belongs to the engine.
package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/secrets"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

// Window is the time range one partition is synced over.
type Window struct {
	Since time.Time
	Until time.Time
}

// Row is a transformed record plus its watermark position.
type Row struct {
	warehouse.Row
	// Cursor is the record's change timestamp; the partition watermark advances to the max seen.
	Cursor time.Time
	// Seq is an optional monotonically increasing id (0 when the source has none).
	Seq int64
}

// Source is one configured adapter instance, built fresh for every invocation.
type Source interface {
	// Name is the configured source name; Type the adapter type.
	Name() string
	Type() string
	// Table describes the destination table.
	Table() warehouse.Table
	// Mode reports whether the adapter pages by offset or by token.
	Mode() paginate.Mode
	// Partitions returns the partition keys to sync when the caller did not name any.
	Partitions(ctx context.Context) ([]string, error)
	// Fetch returns one page of raw records for a partition.
	Fetch(ctx context.Context, partition string, w Window, st paginate.State, limit int) (paginate.Page[transform.Record], error)
	// Transform converts a raw record. Records that cannot be converted
	// return an error built with Skip; they are logged and counted, never fatal.
	Transform(partition string, rec transform.Record, ingestedAt time.Time) (Row, error)
	// Probe runs lightweight diagnostic requests for debug mode.
	Probe(ctx context.Context, partition string) (map[string]any, error)
}

// Deps are the per-invocation collaborators handed to adapter factories.
type Deps struct {
	Config  config.SourceConfig
	HTTP    *httpclient.Client
	Secrets secrets.Provider
	Now     func() time.Time
}

// ErrSkip marks a record the transformer rejected.
var ErrSkip = errors.New("record skipped")

// Skip builds a record-level error for a record that cannot be converted.
func Skip(format string, args ...any) error {
	return syncerr.E(syncerr.KindRecord, "transform", fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...)))
}

// IsSkip reports whether err came from Skip.
func IsSkip(err error) bool {
	return errors.Is(err, ErrSkip)
}

// Secret reads a required credential bound to the logical name in the source config.
func (d Deps) Secret(logical string) (string, error) {
	v, err := secrets.Require(d.Secrets, d.Config.SecretName(logical))
	if err != nil {
		return "", fmt.Errorf("source %s: %w", d.Config.Name, err)
	}
	return v, nil
}

// OptionalSecret reads a credential that may be absent.
func (d Deps) OptionalSecret(logical string) (string, error) {
	return secrets.Optional(d.Secrets, d.Config.SecretName(logical))
}

// BaseURL returns base_url from config, falling back to the base_url secret and then def.
func (d Deps) BaseURL(def string) (string, error) {
	base := d.Config.BaseURL
	if base == "" {
		v, err := d.OptionalSecret("base_url")
		if err != nil {
			return "", err
		}
		base = v
	}
	if base == "" {
		base = def
	}
	if base == "" {
		return "", syncerr.Newf(syncerr.KindConfig, "source", "source %s: base_url is not configured", d.Config.Name)
	}
	return strings.TrimRight(base, "/"), nil
}

// ConfiguredPartitions returns the configured partitions, falling back to the
// comma separated "partitions" secret.
func (d Deps) ConfiguredPartitions() ([]string, error) {
	if len(d.Config.Partitions) > 0 {
		return d.Config.Partitions, nil
	}
	v, err := d.OptionalSecret("partitions")
	if err != nil {
		return nil, err
	}
	parts := SplitList(v)
	if len(parts) == 0 {
		return nil, syncerr.Newf(syncerr.KindConfig, "source", "source %s: no partitions configured", d.Config.Name)
	}
	return parts, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BasicAuth returns an Authorization header value for user and token.
func BasicAuth(user, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+token))
}

// JSONHeader returns a header set accepting JSON with the given Authorization value.
func JSONHeader(auth string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

// ProbeResult summarises a diagnostic response for debug output.
func ProbeResult(resp *httpclient.Response, err error, snippet int) map[string]any {
	out := map[string]any{}
	if resp != nil {
		out["status_code"] = resp.StatusCode
		out["response_snippet"] = transform.Truncate(string(resp.Body), snippet)
	}
	if err != nil {
		if code := httpclient.StatusCode(err); code != 0 {
			out["status_code"] = code
		}
		out["error"] = err.Error()
	}
	return out
}
