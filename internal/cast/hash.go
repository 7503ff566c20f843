package cast

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidReference is returned when a string is neither a cast hash
// nor a cast URL.
var ErrInvalidReference = errors.New("cast: invalid cast reference")

var (
	rawHash     = regexp.MustCompile(`^0[xX][0-9a-fA-F]+$`)
	segmentHash = regexp.MustCompile(`^0[xX]([0-9a-fA-F]+)`)
)

// ExtractHash returns the lower-cased cast hash referenced by ref. It
// accepts a raw hash ("0x1234abcd") or a URL whose last path segment
// starts with one ("https://warpcast.com/alice/0x1234abcd"). Links
// pasted without a scheme ("warpcast.com/alice/0x1234abcd") are read
// as https.
func ExtractHash(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rawHash.MatchString(ref) {
		return strings.ToLower(ref), nil
	}

	u, err := url.Parse(ref)
	if err == nil && u.Scheme == "" && u.Host == "" {
		u, err = url.Parse("https://" + strings.TrimLeft(ref, "/"))
	}
	if err != nil || u.Host == "" {
		return "", ErrInvalidReference
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	m := segmentHash.FindStringSubmatch(last)
	if m == nil {
		return "", ErrInvalidReference
	}
	return "0x" + strings.ToLower(m[1]), nil
}
