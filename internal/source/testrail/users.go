package testrail

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

// AllUsers is the partition that reads the instance-wide user list.
const AllUsers = "all"

// Users snapshots the user directory. Each run re-reads the whole list; a row
// is appended only when a user's attributes change.
type Users struct {
	conn
	cfg        config.SourceConfig
	partitions []string
}

// NewUsers builds the users adapter. Without configured project ids it reads
// get_users, which needs an administrator; with them it reads each project's
// users instead.
func NewUsers(d source.Deps) (source.Source, error) {
	c, err := connect(d)
	if err != nil {
		return nil, err
	}
	parts := []string{AllUsers}
	if len(d.Config.Partitions) > 0 {
		if parts, err = projects(d); err != nil {
			return nil, err
		}
	}
	return &Users{conn: c, cfg: d.Config, partitions: parts}, nil
}

func (a *Users) Name() string        { return a.cfg.Name }
func (a *Users) Type() string        { return config.SourceTestRailUsers }
func (a *Users) Mode() paginate.Mode { return paginate.ModeOffset }

func (a *Users) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

func (a *Users) Table() warehouse.Table {
	return warehouse.Table{
		Name: a.cfg.Table,
		Columns: []warehouse.Column{
			{Name: "scope", Type: warehouse.TypeString},
			{Name: "user_id", Type: warehouse.TypeInt},
			{Name: "name", Type: warehouse.TypeString},
			{Name: "email", Type: warehouse.TypeString},
			{Name: "is_active", Type: warehouse.TypeBool},
			{Name: "role_id", Type: warehouse.TypeInt},
		},
		PartitionColumn: "scope",
		Latest:          &warehouse.LatestView{PartitionBy: []string{"scope", "user_id"}},
	}
}

func usersPath(partition string) string {
	if partition == AllUsers {
		return "get_users"
	}
	return "get_users/" + partition
}

// Fetch returns one page of users. The window is ignored: the directory is
// small and has no change timestamp to filter on.
func (a *Users) Fetch(ctx context.Context, partition string, _ source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	path := fmt.Sprintf("%s&limit=%d&offset=%d", usersPath(partition), limit, st.Offset)
	items, more, err := a.list(ctx, path, "users")
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	return paginate.Page[transform.Record]{Records: items, IsLast: !more}, nil
}

// Transform keys a user by id and a digest of its attributes. Rows carry no
// cursor, so the watermark keeps its default start.
func (a *Users) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	userID, ok := transform.Int("id")(rec)
	if !ok {
		return source.Row{}, source.Skip("user without id")
	}
	active, activeOK := transform.Bool("is_active")(rec)
	attrs := map[string]any{
		"name":      str(rec, "name"),
		"email":     str(rec, "email"),
		"is_active": transform.Value(active, activeOK),
		"role_id":   num(rec, "role_id"),
	}
	digest, err := json.Marshal(attrs)
	if err != nil {
		return source.Row{}, source.Skip("user %d: %v", userID, err)
	}
	sum := sha256.Sum256(digest)

	values := map[string]any{"scope": partition, "user_id": userID}
	for k, v := range attrs {
		values[k] = v
	}
	return source.Row{
		Row: warehouse.Row{
			ID:         fmt.Sprintf("%s:%d:%x", partition, userID, sum[:8]),
			IngestedAt: ingestedAt,
			Values:     values,
		},
	}, nil
}

// Probe reads the first user of the scope.
func (a *Users) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"scope": partition}
	users, _, err := a.list(ctx, usersPath(partition)+"&limit=1&offset=0", "users")
	if err != nil {
		out["users"] = source.ProbeResult(nil, err, 0)
		return out, nil
	}
	out["users"] = map[string]any{"count": len(users)}
	return out, nil
}
