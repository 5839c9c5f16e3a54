package source

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// NextLink returns the URL of the rel="next" entry of an RFC 8288 Link header, or "".
func NextLink(h http.Header) string {
	for _, header := range h.Values("Link") {
		for _, part := range strings.Split(header, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.TrimSpace(segs[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segs[1:] {
				k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(k), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(v), `"`)) {
					if strings.EqualFold(rel, "next") {
						return target[1 : len(target)-1]
					}
				}
			}
		}
	}
	return ""
}

// CheckOrigin rejects a server-supplied link whose scheme or host differs from
// base. Adapters send credentials with every request, so a next link pointing
// elsewhere (or a stored token left over from another base_url) is refused.
func CheckOrigin(base, link string) error {
	b, err := url.Parse(base)
	if err != nil {
		return syncerr.E(syncerr.KindConfig, "source", fmt.Errorf("base url: %w", err))
	}
	u, err := url.Parse(link)
	if err != nil {
		return syncerr.E(syncerr.KindProtocol, "source", fmt.Errorf("next link: %w", err))
	}
	if !strings.EqualFold(u.Scheme, b.Scheme) || !strings.EqualFold(u.Host, b.Host) {
		return syncerr.Newf(syncerr.KindProtocol, "source", "next link %s://%s does not match %s://%s",
			u.Scheme, u.Host, b.Scheme, b.Host)
	}
	return nil
}
