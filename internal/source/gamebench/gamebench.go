// Package gamebench syncs performance sessions from the GameBench API.
//
// The session search only returns summaries, so every listed session is
// followed by a detail request. Metrics are located in the detail document
// by key pattern because field names differ between tenants.
package gamebench

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

const (
	DefaultBaseURL = "https://api.gamebench.net"

	keySessionID   = "_session_id"
	keyDetailError = "_detail_error"
)

func init() {
	source.Register(config.SourceGameBench, New)
}

type Adapter struct {
	cfg        config.SourceConfig
	http       *httpclient.Client
	base       string
	header     http.Header
	packages   []string
	partitions []string
}

// New builds the adapter. A bearer token takes precedence over user/token basic auth.
func New(d source.Deps) (source.Source, error) {
	base, err := d.BaseURL(DefaultBaseURL)
	if err != nil {
		return nil, err
	}
	auth, err := authorization(d)
	if err != nil {
		return nil, err
	}

	parts := d.Config.Partitions
	if len(parts) == 0 {
		parts = source.SplitList(d.Config.Option("company_id", ""))
	}
	if len(parts) == 0 {
		if parts, err = d.ConfiguredPartitions(); err != nil {
			return nil, err
		}
	}

	return &Adapter{
		cfg:        d.Config,
		http:       d.HTTP,
		base:       base,
		header:     source.JSONHeader(auth),
		packages:   source.SplitList(d.Config.Option("app_packages", "")),
		partitions: parts,
	}, nil
}

func authorization(d source.Deps) (string, error) {
	bearer, err := d.OptionalSecret("bearer")
	if err != nil {
		return "", err
	}
	if bearer != "" {
		return "Bearer " + bearer, nil
	}
	user, err := d.OptionalSecret("user")
	if err != nil {
		return "", err
	}
	token, err := d.OptionalSecret("token")
	if err != nil {
		return "", err
	}
	if user == "" || token == "" {
		return "", syncerr.Newf(syncerr.KindConfig, "gamebench", "source %s: set a bearer token or both user and token", d.Config.Name)
	}
	return source.BasicAuth(user, token), nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) Type() string        { return config.SourceGameBench }
func (a *Adapter) Mode() paginate.Mode { return paginate.ModeOffset }

// Partitions returns the configured company ids.
func (a *Adapter) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

func (a *Adapter) Table() warehouse.Table {
	cols := []warehouse.Column{
		{Name: "session_id", Type: warehouse.TypeString},
		{Name: "company_id", Type: warehouse.TypeString},
		{Name: "time_pushed", Type: warehouse.TypeTimestamp},
		{Name: "time_started", Type: warehouse.TypeTimestamp},
		{Name: "duration_seconds", Type: warehouse.TypeInt},
		{Name: "account", Type: warehouse.TypeString},
		{Name: "app_package", Type: warehouse.TypeString},
		{Name: "app_name", Type: warehouse.TypeString},
		{Name: "app_version", Type: warehouse.TypeString},
		{Name: "environment", Type: warehouse.TypeString},
		{Name: "platform", Type: warehouse.TypeString},
		{Name: "device_model", Type: warehouse.TypeString},
		{Name: "device_manufacturer", Type: warehouse.TypeString},
		{Name: "os_version", Type: warehouse.TypeString},
		{Name: "gpu_model", Type: warehouse.TypeString},
	}
	for _, m := range metrics {
		cols = append(cols, warehouse.Column{Name: m.column, Type: warehouse.TypeFloat})
	}
	cols = append(cols, warehouse.Column{Name: "payload", Type: warehouse.TypeText})
	return warehouse.Table{Name: a.cfg.Table, Columns: cols, PartitionColumn: "company_id"}
}

type searchBody struct {
	SessionInfo struct {
		DateStart int64 `json:"dateStart"`
		DateEnd   int64 `json:"dateEnd"`
	} `json:"sessionInfo"`
	AppInfo *struct {
		Package []string `json:"package"`
	} `json:"appInfo,omitempty"`
}

func (a *Adapter) search(ctx context.Context, company string, w source.Window, page, size int) ([]transform.Record, error) {
	var body searchBody
	body.SessionInfo.DateStart = w.Since.Unix()
	body.SessionInfo.DateEnd = w.Until.Unix()
	if len(a.packages) > 0 {
		body.AppInfo = &struct {
			Package []string `json:"package"`
		}{Package: a.packages}
	}

	q := url.Values{}
	q.Set("company", company)
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(size))
	q.Set("sort", "timePushed:desc")

	var raw any
	if _, err := a.http.PostJSON(ctx, a.base+"/v1/advanced-search/sessions", q, a.header, body, &raw); err != nil {
		return nil, err
	}
	return sessionsList(raw), nil
}

// sessionsList accepts a bare list or an object wrapping it under one of
// the keys different API versions use.
func sessionsList(raw any) []transform.Record {
	list, ok := raw.([]any)
	if obj, isObj := raw.(map[string]any); isObj {
		for _, key := range []string{"sessions", "results", "items", "data"} {
			if list, ok = obj[key].([]any); ok {
				break
			}
		}
	}
	if !ok {
		return nil
	}
	out := make([]transform.Record, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

var sessionIDAccessors = []transform.Accessor[string]{
	transform.String("sessionId"), transform.String("id"), transform.String("session_id"),
}

// Fetch returns one search page with each session replaced by its detail
// document. A session whose detail cannot be read still occupies its slot
// (as a placeholder Transform skips) so offsets stay aligned with the search.
func (a *Adapter) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	sessions, err := a.search(ctx, partition, w, st.Offset/limit, limit)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}

	records := make([]transform.Record, 0, len(sessions))
	for _, s := range sessions {
		sid, ok := transform.First(s, sessionIDAccessors...)
		if !ok {
			records = append(records, transform.Record{keyDetailError: "search result without session id"})
			continue
		}
		detail, err := a.detail(ctx, partition, sid)
		if err != nil {
			if ctx.Err() != nil || stopsRun(err) {
				return paginate.Page[transform.Record]{}, err
			}
			logging.For(a.Name(), partition).Warn("session %s details: %v", sid, err)
			records = append(records, transform.Record{keySessionID: sid, keyDetailError: err.Error()})
			continue
		}
		detail[keySessionID] = sid
		records = append(records, detail)
	}
	return paginate.Page[transform.Record]{Records: records, Limit: limit}, nil
}

func stopsRun(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindConfig, syncerr.KindAuth, syncerr.KindDeadline:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (a *Adapter) detail(ctx context.Context, company, sid string) (transform.Record, error) {
	q := url.Values{}
	q.Set("company", company)
	var rec transform.Record
	if _, err := a.http.Get(ctx, a.base+"/v1/sessions/"+url.PathEscape(sid), q, a.header, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, syncerr.Newf(syncerr.KindProtocol, "gamebench.session", "session %s: empty detail", sid)
	}
	return rec, nil
}

type metric struct {
	column   string
	patterns []*regexp.Regexp
}

var metrics = []metric{
	{"seconds_played", transform.Patterns(`secondsPlayed$`, `durationSeconds$`, `playTimeSeconds$`)},
	{"median_fps", transform.Patterns(`median.*fps`, `fps.*median`, `fpsMedian`)},
	{"fps_stability_pct", transform.Patterns(`stability.*%`, `fpsStability.*percent`, `fpsStabilityPct`, `stabilityPercent`)},
	{"fps_stability_index", transform.Patterns(`stability.*index`, `fpsStabilityIndex`)},
	{"cpu_avg_pct", transform.Patterns(`cpu.*avg`, `avgCpu`, `cpuAvg`)},
	{"cpu_max_pct", transform.Patterns(`cpu.*max`, `maxCpu`, `cpuMax`)},
	{"memory_avg_mb", transform.Patterns(`memory.*avg`, `avgMemory`, `memoryAvg`)},
	{"memory_max_mb", transform.Patterns(`memory.*max`, `maxMemory`, `memoryMax`)},
	{"power_avg_mw", transform.Patterns(`mWatt`, `power.*avg`, `avgPower`, `powerAvg`)},
	{"current_avg_ma", transform.Patterns(`mAmp`, `current.*avg`, `avgCurrent`, `currentAvg`)},
	{"battery_mah", transform.Patterns(`mAh`, `battery.*mah`, `mahConsumed`, `batteryMah`)},
	{"download_mb", transform.Patterns(`download`, `mbDownloaded`, `downloadMb`)},
	{"upload_mb", transform.Patterns(`upload`, `mbUploaded`, `uploadMb`)},
}

var (
	patSessionID    = transform.Patterns(`^sessionId$`, `sessionId$`, `^id$`, `\.sessionId$`)
	patTimePushed   = transform.Patterns(`timePushed$`, `\.timePushed$`)
	patTimeStarted  = transform.Patterns(`timeStarted$`, `dateStart$`, `\.timeStarted$`)
	patAppPackage   = transform.Patterns(`appInfo\.package$`, `app\.package$`, `packageName$`, `package$`)
	patAppName      = transform.Patterns(`appInfo\.name$`, `app\.name$`, `appName$`)
	patAppVersion   = transform.Patterns(`appVersion$`, `appInfo\.version$`, `versionName$`, `app\.version$`)
	patOSVersion    = transform.Patterns(`osVersion$`, `deviceInfo\.osVersion$`, `os\.version$`)
	patManufacturer = transform.Patterns(`deviceInfo\.manufacturer$`, `device\.manufacturer$`, `manufacturer$`)
	patDeviceModel  = transform.Patterns(`deviceInfo\.model$`, `device\.model$`, `deviceModel$`)
	patGPUModel     = transform.Patterns(`gpu.*model`, `gpuModel`)
	patAccount      = transform.Patterns(`account$`, `user$`, `tester$`)
)

// pickTime reads a numeric epoch first, then a timestamp string.
func pickTime(flat transform.Flat, patterns []*regexp.Regexp) (time.Time, bool) {
	if n, ok := flat.PickFloat(patterns); ok {
		return transform.FromEpoch(n), true
	}
	if s, ok := flat.PickString(patterns); ok {
		return transform.ParseTime(s)
	}
	return time.Time{}, false
}

// Platform infers the OS family from the OS version, falling back to the manufacturer.
func Platform(osVersion, manufacturer string) string {
	lower := strings.ToLower(osVersion)
	switch {
	case strings.HasPrefix(lower, "ios"):
		return "iOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.EqualFold(manufacturer, "apple"):
		return "iOS"
	}
	return ""
}

// Environment classifies internal builds by package name.
func Environment(pkg string) string {
	if pkg == "" {
		return ""
	}
	if strings.Contains(pkg, ".internal.") {
		return "dev"
	}
	return "prod"
}

// Transform maps a session detail onto a row keyed by session id.
func (a *Adapter) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	listed, _ := transform.String(keySessionID)(rec)
	if msg, failed := transform.String(keyDetailError)(rec); failed {
		return source.Row{}, source.Skip("session %q: %s", listed, msg)
	}

	detail := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != keySessionID {
			detail[k] = v
		}
	}
	flat := transform.Flatten(detail)

	sid, ok := flat.PickString(patSessionID)
	if !ok {
		sid = listed
	}
	if sid == "" {
		return source.Row{}, source.Skip("session without id")
	}
	pushed, ok := pickTime(flat, patTimePushed)
	if !ok {
		return source.Row{}, source.Skip("session %s has no timePushed", sid)
	}
	pushed = transform.Canonical(pushed)
	started, _ := pickTime(flat, patTimeStarted)

	pick := func(p []*regexp.Regexp) any {
		s, ok := flat.PickString(p)
		return transform.Value(s, ok)
	}
	pkg, _ := flat.PickString(patAppPackage)
	osVersion, _ := flat.PickString(patOSVersion)
	manufacturer, _ := flat.PickString(patManufacturer)

	values := map[string]any{
		"session_id":          sid,
		"company_id":          partition,
		"time_pushed":         pushed,
		"time_started":        transform.NullTime(started),
		"duration_seconds":    nil,
		"account":             pick(patAccount),
		"app_package":         transform.Value(pkg, pkg != ""),
		"app_name":            pick(patAppName),
		"app_version":         pick(patAppVersion),
		"environment":         transform.Value(Environment(pkg), pkg != ""),
		"platform":            nil,
		"device_model":        pick(patDeviceModel),
		"device_manufacturer": transform.Value(manufacturer, manufacturer != ""),
		"os_version":          transform.Value(osVersion, osVersion != ""),
		"gpu_model":           pick(patGPUModel),
		"payload":             nil,
	}
	if p := Platform(osVersion, manufacturer); p != "" {
		values["platform"] = p
	}
	for _, m := range metrics {
		n, ok := flat.PickFloat(m.patterns)
		values[m.column] = transform.Value(n, ok)
	}
	if played, ok := values["seconds_played"].(float64); ok {
		values["duration_seconds"] = int64(played)
	}
	if a.cfg.StorePayload {
		if payload, err := transform.Payload(detail, a.cfg.MaxPayloadChars); err == nil {
			values["payload"] = payload
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         sid,
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: pushed,
	}, nil
}

// Probe runs a one-session search over the last day.
func (a *Adapter) Probe(ctx context.Context, partition string) (map[string]any, error) {
	now := time.Now()
	sessions, err := a.search(ctx, partition, source.Window{Since: now.AddDate(0, 0, -1), Until: now}, 0, 1)
	probe := source.ProbeResult(nil, err, 0)
	if err == nil {
		probe["count"] = len(sessions)
		if len(sessions) > 0 {
			probe["session_id"], _ = transform.First(sessions[0], sessionIDAccessors...)
		}
	}
	return map[string]any{"company_id": partition, "packages": a.packages, "search": probe}, nil
}
