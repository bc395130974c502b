package stepforge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// replayWindow bounds how far a signature's timestamp may drift from now
// before it is rejected as a possible replay (spec.md §4.4 step 4).
const replayWindow = 5 * time.Minute

var signkeyPrefix = regexp.MustCompile(`^signkey-\w+-`)

// normalizeKey strips a "signkey-{env}-" prefix, if present, leaving the
// raw hex key material (spec.md §8 "Key normalization idempotence":
// normalize(normalize(k)) = normalize(k)).
func normalizeKey(key string) string {
	return signkeyPrefix.ReplaceAllString(key, "")
}

// keyPrefix returns the "signkey-{env}" portion of key, or "" if key
// carries no recognizable prefix.
func keyPrefix(key string) string {
	loc := signkeyPrefix.FindStringIndex(key)
	if loc == nil {
		return ""
	}
	return strings.TrimSuffix(key[:loc[1]], "-")
}

func rawKeyBytes(normalized string) ([]byte, error) {
	b, err := hex.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("stepforge: signing key is not valid hex: %w", err)
	}
	return b, nil
}

// signRaw is the shared HMAC-SHA256 primitive both Sign and signWithoutJCS
// build on: hex(HMAC(body ∥ ascii(unix_seconds), normalizedKeyBytes)).
func signRaw(at time.Time, key, body []byte) (string, error) {
	normalized := normalizeKey(string(key))
	keyBytes, err := rawKeyBytes(normalized)
	if err != nil {
		return "", err
	}

	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, keyBytes)
	mac.Write(body)
	mac.Write([]byte(ts))

	return fmt.Sprintf("t=%s&s=%s", ts, hex.EncodeToString(mac.Sum(nil))), nil
}

// Sign produces the "t={unix}&s={hex}" signature header value for body,
// signed at instant at with key (spec.md §4.4). Equal regardless of
// whether key carries a "signkey-{env}-" prefix or is already bare hex.
func Sign(ctx context.Context, at time.Time, key, body []byte) (string, error) {
	return signRaw(at, key, body)
}

// signWithoutJCS signs already-encoded response bytes directly, without
// re-canonicalizing them -- the compatibility path ValidateResponseSignature
// accepts alongside the JCS-canonicalized form SignCanonical produces.
func signWithoutJCS(at time.Time, key, body []byte) (string, error) {
	return signRaw(at, key, body)
}

// SignCanonical JSON-canonicalizes value (RFC 8785, via gowebpki/jcs)
// before signing it, so that signature verification is stable regardless
// of Go map key ordering -- used when the SDK signs its own in-band PUT
// response (spec.md §4.4 "Responses to in-band PUT are themselves
// signed"). Returns both the signature and the canonical bytes actually
// signed, since the response body sent over the wire must match exactly.
func SignCanonical(ctx context.Context, at time.Time, key []byte, value any) (sig string, canonicalBody []byte, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("stepforge: marshaling response for signing: %w", err)
	}
	canonicalBody, err = jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("stepforge: canonicalizing response for signing: %w", err)
	}
	sig, err = signRaw(at, key, canonicalBody)
	return sig, canonicalBody, err
}

// ValidateRequestSignature implements spec.md §4.4's verification
// procedure for an inbound request (the handler calls it for POST and
// GET). isDev short-circuits to success with
// no key material checked. On success the second return is the raw key
// bytes (primary or fallback, whichever matched) the caller can reuse to
// sign an in-band response with the same material.
func ValidateRequestSignature(ctx context.Context, header, key, fallbackKey string, body []byte, isDev bool) (bool, []byte, error) {
	if isDev {
		return true, nil, nil
	}
	if key == "" {
		return false, nil, fmt.Errorf("stepforge: no signing key configured")
	}

	values, err := url.ParseQuery(header)
	if err != nil || !values.Has("t") || !values.Has("s") {
		return false, nil, fmt.Errorf("stepforge: invalid signature header")
	}

	tsStr := values.Get("t")
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false, nil, fmt.Errorf("stepforge: invalid timestamp in signature")
	}

	at := time.Unix(ts, 0)
	if d := time.Since(at); d > replayWindow || d < -replayWindow {
		return false, nil, fmt.Errorf("stepforge: expired signature")
	}

	candidates := [][]byte{[]byte(key)}
	if fallbackKey != "" {
		candidates = append(candidates, []byte(fallbackKey))
	}

	for _, candidate := range candidates {
		expected, err := signRaw(at, candidate, body)
		if err != nil {
			continue
		}
		if constantTimeEqualSig(expected, "t="+tsStr+"&s="+values.Get("s")) {
			return true, candidate, nil
		}
	}

	return false, nil, fmt.Errorf("stepforge: invalid signature")
}

// ValidateResponseSignature verifies a signature produced by either
// SignCanonical or signWithoutJCS, first against the exact bytes presented
// and then against their JCS-canonical form (so a body re-encoded with,
// e.g., a JSON encoder's trailing newline still verifies), without a
// replay-window check -- the caller already trusts the channel it received
// the response over and only needs to confirm authorship.
func ValidateResponseSignature(ctx context.Context, header string, key, body []byte) (bool, error) {
	values, err := url.ParseQuery(header)
	if err != nil || !values.Has("t") || !values.Has("s") {
		return false, fmt.Errorf("stepforge: invalid signature header")
	}

	ts, err := strconv.ParseInt(values.Get("t"), 10, 64)
	if err != nil {
		return false, fmt.Errorf("stepforge: invalid timestamp in signature")
	}

	expected, err := signRaw(time.Unix(ts, 0), key, body)
	if err != nil {
		return false, err
	}
	if constantTimeEqualSig(expected, header) {
		return true, nil
	}
	if canonical, jerr := jcs.Transform(body); jerr == nil {
		expected, err = signRaw(time.Unix(ts, 0), key, canonical)
		if err == nil && constantTimeEqualSig(expected, header) {
			return true, nil
		}
	}
	return false, fmt.Errorf("stepforge: invalid signature")
}

func constantTimeEqualSig(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// hashedSigningKey renders key the way the introspect endpoint (spec.md
// §4.3 GET) reports configured keys: prefix preserved, hex suffix replaced
// by the lowercase hex SHA-256 of its decoded bytes, so the plaintext key
// itself is never exposed.
func hashedSigningKey(key []byte) ([]byte, error) {
	s := string(key)
	prefix := keyPrefix(s)
	normalized := normalizeKey(s)

	raw, err := rawKeyBytes(normalized)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)

	if prefix == "" {
		return []byte(hex.EncodeToString(sum[:])), nil
	}
	return []byte(prefix + "-" + hex.EncodeToString(sum[:])), nil
}

// bearerToken implements spec.md §4.4's outbound bearer construction for
// the registration POST: "{prefix}-{hex(SHA256(unhex(normalized_key)))}".
func bearerToken(key string) (string, error) {
	hashed, err := hashedSigningKey([]byte(key))
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
