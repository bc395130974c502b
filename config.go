package stepforge

import (
	"net/url"
	"os"
	"strings"
)

// Config knobs, each with an environment-variable fallback (explicit values
// always take precedence), grounded on the teacher's env.go and
// pkg/env package.
const (
	envEventKey           = "STEPFORGE_EVENT_KEY"
	envSigningKey         = "STEPFORGE_SIGNING_KEY"
	envSigningKeyFallback = "STEPFORGE_SIGNING_KEY_FALLBACK"
	envAppID              = "STEPFORGE_APP_ID"
	envAPIOrigin          = "STEPFORGE_API_ORIGIN"
	envEventAPIOrigin     = "STEPFORGE_EVENT_API_ORIGIN"
	envEnvironment        = "STEPFORGE_ENV"
	envDev                = "STEPFORGE_DEV"
	envServeOrigin        = "STEPFORGE_SERVE_ORIGIN"
	envServePath          = "STEPFORGE_SERVE_PATH"
	envDisableCronInDev   = "STEPFORGE_DISABLE_CRON_TRIGGERS_IN_DEV"
	envAllowInBandSync    = "STEPFORGE_ALLOW_IN_BAND_SYNC"
)

// IsDev reports whether the SDK should behave as though it is talking to a
// local dev server: no signature verification, a literal "dev" event key,
// and cron triggers optionally excluded from registration.
//
// STEPFORGE_DEV accepts "true"/"false"/"0"/"1", or a URL, in which case dev
// mode is implied and the URL also becomes the dev server's address.
func IsDev() bool {
	v := os.Getenv(envDev)
	if v == "" {
		return false
	}
	if u, err := url.Parse(v); err == nil && u.Host != "" {
		return true
	}
	return isTruthy(v)
}

// DevServerURL returns the URL of the local dev server. STEPFORGE_DEV may
// itself carry this URL (see IsDev); otherwise the default is used.
func DevServerURL() string {
	if v := os.Getenv(envDev); v != "" {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return v
		}
	}
	return defaultDevServerURL
}

func isTruthy(val string) bool {
	switch strings.ToLower(val) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// apiOrigin returns the origin used for registration and run/batch API
// calls, honoring dev mode before the configured/env-var origin.
func apiOrigin(configured string) string {
	if IsDev() {
		return DevServerURL()
	}
	if configured != "" {
		return configured
	}
	if v := os.Getenv(envAPIOrigin); v != "" {
		return v
	}
	return defaultAPIOrigin
}

// eventAPIOrigin returns the origin used to post outbound events.
func eventAPIOrigin(configured string) string {
	if IsDev() {
		return DevServerURL()
	}
	if configured != "" {
		return configured
	}
	if v := os.Getenv(envEventAPIOrigin); v != "" {
		return v
	}
	return defaultEventAPIOrigin
}

func allowInBandSync() bool {
	v := os.Getenv(envAllowInBandSync)
	if v == "" {
		return true
	}
	return isTruthy(v)
}

func disableCronTriggersInDev() bool {
	return isTruthy(os.Getenv(envDisableCronInDev))
}

// StrPtr is a small convenience helper for constructing optional string
// config fields inline, matching the teacher's widely-used helper of the
// same name.
func StrPtr(s string) *string { return &s }

func strFromPtrOrEnv(p *string, envKey string) string {
	if p != nil {
		return *p
	}
	return os.Getenv(envKey)
}
