package stepforge

// SDK identity, reported in registration documents and the
// X-Stepforge-Sdk header. The version string is opaque: the orchestrator
// does not interpret it, per spec's note that version labels carry no
// contractual semantics.
const (
	SDKAuthor  = "stepforge"
	SDKLang    = "go"
	SDKVersion = "0.3.0"

	SchemaVersion = "2024-05-24"
)

// SyncKindInBand is the X-Stepforge-Sync-Kind value selecting the in-band
// PUT flavor (spec.md §4.3 "PUT — register/sync"); its absence selects the
// out-of-band flavor, which has no wire value of its own.
const SyncKindInBand = "inband"

// Default upstream origins. Overridable via ClientOpts/HandlerOpts or their
// environment-variable fallbacks.
const (
	defaultAPIOrigin      = "https://api.stepforge.dev"
	defaultEventAPIOrigin = "https://event.stepforge.dev"
	defaultDevServerURL   = "http://localhost:8288"
)

// HTTP header names exchanged with the orchestrator.
const (
	headerKeySignature       = "X-Stepforge-Signature"
	headerKeySDK             = "X-Stepforge-Sdk"
	headerKeyReqVersion      = "X-Stepforge-Req-Version"
	headerKeyNoRetry         = "X-Stepforge-No-Retry"
	headerKeyRetryAfter      = "Retry-After"
	headerKeySyncKind        = "X-Stepforge-Sync-Kind"
	headerKeyServerKind      = "X-Stepforge-Server-Kind"
	headerKeyExpectedSrvKind = "X-Stepforge-Expected-Server-Kind"
	headerKeyEnv             = "X-Stepforge-Env"
	headerKeyContentType     = "Content-Type"
	headerKeyContentEncoding = "Content-Encoding"
	contentEncodingGzip      = "gzip"
	reqVersion               = "1"
)

func sdkHeaderValue() string {
	return SDKLang + ":" + SDKAuthor + "-" + SDKVersion
}
