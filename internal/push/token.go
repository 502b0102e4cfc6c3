package push

import "time"

// cachedToken is a short-lived provider credential owned by one provider
// instance. It is refreshed by comparing expiresAt against the current time
// on every call.
type cachedToken struct {
	value     string
	expiresAt time.Time
}

// usable reports whether the token can still be sent, keeping margin of
// headroom before expiry.
func (t cachedToken) usable(now time.Time, margin time.Duration) bool {
	return t.value != "" && now.Add(margin).Before(t.expiresAt)
}
