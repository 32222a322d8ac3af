package token

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// jwtExpiry reads the exp claim (epoch seconds) from a JWT without verifying
// the signature. ok is false for opaque tokens and parse failures, which
// callers treat as "expiry unknown, refresh now".
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad the segment.
		claims, err = base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return time.Time{}, false
		}
	}
	v := gjson.GetBytes(claims, "exp")
	if !v.Exists() {
		return time.Time{}, false
	}
	return time.Unix(v.Int(), 0), true
}
