package reconcile

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/openclaw/sksync/internal/skkeys"
)

const hashScanMaxLines = 500

var (
	externalIDFieldPattern = regexp.MustCompile(`\bexternalId\b\s*[:=]?\s*(\S+)`)
	taskKeyPattern         = regexp.MustCompile(`\btask:\S+`)
)

// scanForHash reads up to hashScanMaxLines from path, extracting candidate
// external ids via the externalId-field and bare task: patterns, and
// returns the first candidate whose sha256[0:16] matches targetHash.
func scanForHash(path, targetHash string) (externalID string, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	lines := 0
	for scanner.Scan() && lines < hashScanMaxLines {
		lines++
		line := scanner.Text()
		for _, candidate := range candidatesFromLine(line) {
			if skkeys.Sha256Hex(candidate)[:16] == targetHash {
				return candidate, true, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}

func candidatesFromLine(line string) []string {
	var out []string
	for _, m := range externalIDFieldPattern.FindAllStringSubmatch(line, -1) {
		out = append(out, trimCandidate(m[1]))
	}
	for _, m := range taskKeyPattern.FindAllString(line, -1) {
		out = append(out, trimCandidate(m))
	}
	return out
}

// trimCandidate strips a surrounding quote pair and any trailing characters
// that cannot appear in an externalId (JSON punctuation picked up by the
// trailing \S+ of the scan patterns: quotes, commas, braces/brackets).
func trimCandidate(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	end := len(s)
	for end > 0 && strings.ContainsRune(`"',}]`, rune(s[end-1])) {
		end--
	}
	return s[:end]
}
