package broker

import "encoding/json"

// ProtocolVersion is stamped on every outbound call envelope.
const ProtocolVersion = "1.0.0"

// CallEnvelope is the broker-to-bot frame carrying one RPC call.
type CallEnvelope struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Action  Method          `json:"action"`
	Data    json.RawMessage `json:"data"`
}

// frame is the single inbound shape: a reply carries origin_action and
// result, an unsolicited event carries action and data. Parsing into
// one struct keeps the read path allocation-light and lets malformed
// frames be discarded in one place.
type frame struct {
	ID           string          `json:"id"`
	Version      string          `json:"version,omitempty"`
	Action       string          `json:"action,omitempty"`
	OriginAction Method          `json:"origin_action,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// isReply reports whether the frame correlates to a dispatched call.
func (f *frame) isReply() bool {
	return f.OriginAction != ""
}

// SwitchConfig is the mutable capability-flag blob echoed to a bot on
// every outbound call. Ownership is explicit: inbound admin updates
// replace the whole value on the connection; everything else reads a
// snapshot.
type SwitchConfig struct {
	Sync                bool `json:"SYNC"`
	SyncHuge            bool `json:"SYNC_HUGE"`
	RealtimeImage       bool `json:"REALTIME_IMG"`
	PersistentRecording bool `json:"PERSISTENT_RECORDING"`
	PersistentKeyboard  bool `json:"PERSISTENT_KEYBOARD"`
}

// DefaultSwitchConfig mirrors the defaults a fresh bot assumes before
// its first echo.
func DefaultSwitchConfig() SwitchConfig {
	return SwitchConfig{Sync: true, SyncHuge: true}
}

// HTTPRequestParams is the payload of MethodHTTPRequest. Body travels
// base64-encoded in both directions.
type HTTPRequestParams struct {
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body,omitempty"`
	Authenticated bool              `json:"authenticated"`
}

// HTTPRequestResult is the bot's answer to MethodHTTPRequest. A
// redirect status (301, 302, 307) short-circuits with an empty body
// and IsRedirect set rather than being followed transparently.
type HTTPRequestResult struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	IsRedirect bool              `json:"is_redirect,omitempty"`
}

// RedirectStatus reports whether code belongs to the designated
// redirect set.
func RedirectStatus(code int) bool {
	return code == 301 || code == 302 || code == 307
}

// AuthResult is the bot's answer to MethodAuth. The identity is
// generated once by the bot and stable across reconnects.
type AuthResult struct {
	Identity  string `json:"browser_id"`
	UserAgent string `json:"user_agent"`
	Timestamp int64  `json:"timestamp"`
}

// NavigateParams is the payload of MethodTabNavigateAndFetch.
type NavigateParams struct {
	URL string `json:"url"`
}

// NavigateResult is the bot's answer to MethodTabNavigateAndFetch.
type NavigateResult struct {
	HTML  string `json:"html,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Error string `json:"error,omitempty"`
}

// AckResult is the generic success/failure answer used by the audio
// and stop-navigation methods.
type AckResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
