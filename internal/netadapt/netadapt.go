// Package netadapt implements the network adapter (C11): idempotent
// runtime dial-family/DNS-order workarounds and an opt-in diagnostic tap
// for outbound Telegram API calls. SSRF hostname/IP classification lives in
// internal/net/ssrf and is applied at Super-Kanban client construction time
// (internal/superkanban.ValidateBaseURLHost), not here: this package's only
// outbound host is the hardcoded api.telegram.org literal, never user input.
package netadapt

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DNSResultOrder selects how the adapter prefers resolved addresses.
type DNSResultOrder string

const (
	DNSResultIPv4First DNSResultOrder = "ipv4first"
	DNSResultVerbatim  DNSResultOrder = "verbatim"
)

var (
	applyOnce    sync.Once
	appliedOrder DNSResultOrder
	orderMu      sync.Mutex
)

// Adapter carries the dial-family workaround's HTTP transport and the
// diagnostic tap's enable flag.
type Adapter struct {
	Transport *http.Transport
	Diagnostic bool
	emit       func(Event)
}

// Event is one diagnostic record emitted per tapped outbound call.
type Event struct {
	DeliveryID  string
	HTTPMethod  string
	APIMethod   string
	Path        string
	PayloadHash string
}

// New builds an Adapter, applying the autoSelectFamily workaround (once
// per process) when enabled, and wiring the DNS result order.
func New(autoSelectFamily bool, dnsOrder DNSResultOrder, diagnostic bool, emit func(Event)) *Adapter {
	if dnsOrder == "" {
		dnsOrder = DNSResultIPv4First
	}
	if autoSelectFamily {
		applyAutoSelectFamily()
	}
	applyDNSResultOrder(dnsOrder)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if autoSelectFamily {
		transport.DialContext = dualStackDialer(dnsOrder).DialContext
	}
	return &Adapter{Transport: transport, Diagnostic: diagnostic, emit: emit}
}

// applyAutoSelectFamily replaces the process-wide dial behavior exactly
// once: subsequent calls are no-ops, mirroring the idempotence guard a
// pre-initialized dispatcher would otherwise ignore.
func applyAutoSelectFamily() {
	applyOnce.Do(func() {
		http.DefaultTransport.(*http.Transport).DialContext = dualStackDialer(DNSResultIPv4First).DialContext
	})
}

func dualStackDialer(order DNSResultOrder) *net.Dialer {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if order == DNSResultIPv4First {
		d.FallbackDelay = 300 * time.Millisecond
	} else {
		d.FallbackDelay = -1 // verbatim: no IPv4-preference fallback race
	}
	return d
}

// applyDNSResultOrder records the platform-supported resolver preference.
// Applying the same order twice is a no-op; applying a different order
// overwrites the recorded value. No resolver is reconfigured.
func applyDNSResultOrder(order DNSResultOrder) {
	orderMu.Lock()
	defer orderMu.Unlock()
	if appliedOrder == order {
		return
	}
	appliedOrder = order
}

// botPathPrefixes are the two Telegram Bot API URL shapes whose token
// segment must be redacted before logging.
var botPathPrefixes = []string{"/bot", "/file/bot"}

// RedactTelegramPath derives {apiMethod, redactedPath} from a Telegram Bot
// API request path, replacing the bot token segment with "<redacted>".
func RedactTelegramPath(path string) (apiMethod, redactedPath string) {
	for _, prefix := range botPathPrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 0 {
			continue
		}
		method := ""
		if len(parts) == 2 {
			method = parts[1]
		}
		return method, prefix + "<redacted>/" + method
	}
	return "", path
}

// BodyShape is the type-safe summary of an outbound request body's kind.
type BodyShape string

const (
	BodyString         BodyShape = "string"
	BodyURLSearchParams BodyShape = "urlsearchparams"
	BodyBuffer         BodyShape = "buffer"
	BodyUint8Array     BodyShape = "uint8array"
	BodyArrayBuffer    BodyShape = "arraybuffer"
	BodyFormData       BodyShape = "formdata"
	BodyUnknown        BodyShape = "unknown"
)

// SummarizeBody classifies a body value and returns a string form for
// hashing: the raw text of a string or []byte body, or an empty summary
// (BodyUnknown) for any other type. The diagnostic tap records only the
// HashSummary fingerprint of this summary.
func SummarizeBody(body any) (BodyShape, string) {
	switch v := body.(type) {
	case string:
		return BodyString, v
	case []byte:
		return BodyBuffer, string(v)
	case nil:
		return BodyUnknown, ""
	default:
		return BodyUnknown, ""
	}
}

// HashSummary hashes a body summary string to a stable fingerprint.
func HashSummary(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}

// IsTelegramAPIHost reports whether host is the Telegram Bot API endpoint
// the diagnostic tap targets.
func IsTelegramAPIHost(host string) bool {
	return strings.EqualFold(strings.TrimSuffix(host, "."), "api.telegram.org")
}

// Tap wraps an outbound Telegram API call, emitting one diagnostic event
// per call when enabled. Diagnostic failures never interrupt the
// underlying request: this function never returns an error of its own.
func (a *Adapter) Tap(deliveryID, httpMethod, host, path string, body any) {
	if a == nil || !a.Diagnostic || a.emit == nil {
		return
	}
	if !IsTelegramAPIHost(host) {
		return
	}
	defer func() { _ = recover() }()

	apiMethod, redactedPath := RedactTelegramPath(path)
	_, summary := SummarizeBody(body)
	a.emit(Event{
		DeliveryID:  deliveryID,
		HTTPMethod:  httpMethod,
		APIMethod:   apiMethod,
		Path:        redactedPath,
		PayloadHash: HashSummary(summary),
	})
}
