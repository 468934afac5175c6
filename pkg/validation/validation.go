package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "xipher/pkg/errors"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]{1,128}$`)

func invalid(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidInput, format, args...)
}

// ValidateUserID checks a signaling address.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("user id is required")
	}
	if !userIDRegex.MatchString(id) {
		return invalid("user id %q contains invalid characters", id)
	}
	return nil
}

// ValidateCallID checks that id is a UUID.
func ValidateCallID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return invalid("call id %q is not a valid uuid", id)
	}
	return nil
}

// ValidateCallKind accepts "audio" or "video".
func ValidateCallKind(kind string) error {
	switch kind {
	case "audio", "video":
		return nil
	default:
		return invalid("call type must be audio or video, got %q", kind)
	}
}

// ValidateGroupMembers checks a group invitation list: non-empty, unique,
// not containing self, and within maxSize including self.
func ValidateGroupMembers(self string, members []string, maxSize int) error {
	if len(members) == 0 {
		return invalid("group call requires at least one member")
	}
	if len(members)+1 > maxSize {
		return invalid("group call supports at most %d participants", maxSize)
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if err := ValidateUserID(m); err != nil {
			return err
		}
		if m == self {
			return invalid("group members must not include the caller")
		}
		if _, dup := seen[m]; dup {
			return invalid("duplicate group member %q", m)
		}
		seen[m] = struct{}{}
	}
	return nil
}

// ValidateWebSocketURL accepts ws:// and wss:// URLs with a host.
func ValidateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return invalid("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("url must include a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return invalid("%s is required", fieldName)
	}
	return nil
}
