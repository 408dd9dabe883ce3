package api

import (
	"net/url"
	"regexp"
	"unicode/utf8"

	"github.com/jitcap/jitcap/internal/recorder"
)

// maxRoomLen is the maximum length for room names. Rooms end up as MUC JID
// localparts and as directory names under the recordings root.
const maxRoomLen = 128

// maxEndpointLen is the maximum length for participant endpoint identifiers.
const maxEndpointLen = 64

// roomRe validates room names: MUC localpart characters with an optional
// @domain suffix for fully qualified room JIDs.
var roomRe = regexp.MustCompile(`^[A-Za-z0-9._-]+(@[A-Za-z0-9.-]+)?$`)

// validateRoom checks a caller-supplied room name or bare room JID.
// Returns an error message if invalid, empty string if OK.
func validateRoom(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if utf8.RuneCountInString(value) > maxRoomLen {
		return field + " exceeds maximum length"
	}
	if !roomRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateRTPURL checks an explicit capture input address. The capture
// pipeline only understands rtp:// destinations with an explicit port.
func validateRTPURL(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme != "rtp" || u.Host == "" {
		return field + " is not a valid rtp url"
	}
	if u.Port() == "" {
		return field + " must include a port"
	}
	return ""
}

// validateParticipants checks endpoint ids submitted for forwarder allocation.
func validateParticipants(field string, ids []string) string {
	for i, id := range ids {
		if id == "" {
			return field + "[" + intToStr(i) + "] must not be empty"
		}
		if utf8.RuneCountInString(id) > maxEndpointLen {
			return field + "[" + intToStr(i) + "] exceeds maximum length"
		}
		if containsControlChars(id) {
			return field + "[" + intToStr(i) + "] contains invalid characters"
		}
	}
	return ""
}

// validateInputs checks explicitly supplied capture inputs.
func validateInputs(inputs []recorder.Input) string {
	for i, in := range inputs {
		prefix := "inputs[" + intToStr(i) + "]"
		if in.ID == "" {
			return prefix + ".id is required"
		}
		if utf8.RuneCountInString(in.ID) > maxEndpointLen {
			return prefix + ".id exceeds maximum length"
		}
		if containsControlChars(in.DisplayName) {
			return prefix + ".display_name contains invalid characters"
		}
		if msg := validateRTPURL(prefix+".rtp_url", in.RTPURL); msg != "" {
			return msg
		}
	}
	return ""
}

// intToStr converts an int to a string without importing strconv in a tight loop.
func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intToStr(-n)
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
