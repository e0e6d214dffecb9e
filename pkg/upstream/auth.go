package upstream

import (
	"errors"
	"net/http"
)

// OverrideHeader lets a caller supply the upstream credential separately from
// its gateway credential.
const OverrideHeader = "X-Cognos-Upstream-Authorization"

// ErrNoCredential means no upstream Authorization value could be resolved.
var ErrNoCredential = errors.New("missing upstream authorization")

// ResolveAuthorization picks the Authorization value sent upstream, in order:
// the gateway's own upstream key, the caller's override header, then the
// caller's Authorization header. The last is only forwarded when no gateway
// key is configured, since it then carries the gateway key itself.
func ResolveAuthorization(upstreamKey, gatewayKey string, h http.Header) (string, error) {
	if upstreamKey != "" {
		return "Bearer " + upstreamKey, nil
	}
	if v := h.Get(OverrideHeader); v != "" {
		return v, nil
	}
	if v := h.Get("Authorization"); v != "" && gatewayKey == "" {
		return v, nil
	}
	return "", ErrNoCredential
}
