package reconcile

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/openclaw/sksync/internal/skkeys"
	"github.com/openclaw/sksync/pkg/models"
)

// transcriptFile pairs a discovered transcript path with the session
// identity parsed from it.
type transcriptFile struct {
	Path string
	Ctx  models.SessionFileContext
}

// discoverSessions walks "<stateDir>/agents/*/sessions/*.jsonl", applying
// the agent allowlist (empty = all agents) and skipping deleted/backup
// files, sorted for deterministic report ordering.
func discoverSessions(stateDir string, agentAllow []string) ([]transcriptFile, error) {
	pattern := filepath.Join(stateDir, "agents", "*", "sessions", "*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	allow := map[string]bool{}
	for _, a := range agentAllow {
		allow[a] = true
	}

	var out []transcriptFile
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.Contains(base, ".deleted.") || strings.Contains(base, ".bak.") {
			continue
		}
		ctx := skkeys.ParseSessionFileContext(m)
		if len(allow) > 0 && !allow[ctx.AgentID] {
			continue
		}
		out = append(out, transcriptFile{Path: m, Ctx: ctx})
	}
	return out, nil
}
