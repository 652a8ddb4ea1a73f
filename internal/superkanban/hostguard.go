package superkanban

import (
	"fmt"
	"net/url"

	"github.com/openclaw/sksync/internal/net/ssrf"
)

// ValidateBaseURLHost rejects an obviously-wrong Super-Kanban base URL
// before the client is ever built: localhost, cloud metadata endpoints, and
// *.internal/*.local hostnames. It deliberately uses ssrf.IsBlockedHostname
// rather than ssrf.ValidatePublicHostname, which also requires the hostname
// to resolve to a public IP via live DNS lookup — too strict here, since a
// legitimately intranet-hosted Super-Kanban deployment is a normal
// configuration, not an attack. allowPrivateHost bypasses the check for
// operators who have confirmed their deployment is intranet-hosted.
func ValidateBaseURLHost(rawBaseURL string, allowPrivateHost bool) error {
	if allowPrivateHost {
		return nil
	}
	parsed, err := url.Parse(rawBaseURL)
	if err != nil {
		return fmt.Errorf("superkanban: invalid base url: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("superkanban: base url %q has no host", rawBaseURL)
	}
	if ssrf.IsBlockedHostname(host) {
		return fmt.Errorf("superkanban: base url host %q is blocked (pass --allow-private-sk-host for intranet deployments)", host)
	}
	return nil
}
