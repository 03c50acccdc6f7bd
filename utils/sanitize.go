package utils

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxIDLength is the longest identifier accepted
	MaxIDLength = 64

	// MaxTextLength mirrors the bot provider's message limit with some headroom
	MaxTextLength = 4000

	// MaxReplyLength is the provider's hard limit on an outbound message
	MaxReplyLength = 4096

	// MaxMessageLength is the cap on a single chat message body
	MaxMessageLength = 2000

	// MaxReasonLength caps free-text moderation reasons
	MaxReasonLength = 500

	// MaxButtonLength caps inline button labels
	MaxButtonLength = 64

	// MaxCallbackDataLength is the provider's hard limit on button payloads
	MaxCallbackDataLength = 64

	// MaxTokenLength bounds bearer tokens accepted from sockets
	MaxTokenLength = 2048

	// InvalidCallback is returned for button payloads that fail validation
	InvalidCallback = "invalid"
)

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	callbackPattern = regexp.MustCompile(`^[a-z]{1,16}(_[A-Za-z0-9_-]{1,47})?$`)
	commandPattern  = regexp.MustCompile(`^[a-z]{1,32}$`)
	tokenPattern    = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)
)

// SanitizeID trims a raw identifier and accepts it only when it is made of
// letters, digits, hyphens and underscores and fits in MaxIDLength. The second
// return value is false when the identifier must be treated as absent.
func SanitizeID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > MaxIDLength || !idPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// SanitizeText trims, truncates to maxLen runes and strips markup characters
// and control characters other than newline and tab.
func SanitizeText(raw string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = MaxTextLength
	}
	text := truncate(strings.TrimSpace(raw), maxLen)
	text = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '&', '`':
			return -1
		case '\n', '\t':
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}

// SanitizeButtonLabel applies the smaller button-label cap
func SanitizeButtonLabel(raw string) string {
	return SanitizeText(raw, MaxButtonLength)
}

// SanitizeCallbackData validates a button payload before it is trusted as a
// routing key. Anything that fails returns InvalidCallback.
func SanitizeCallbackData(raw string) string {
	if len(raw) == 0 || len(raw) > MaxCallbackDataLength {
		return InvalidCallback
	}
	if !callbackPattern.MatchString(raw) {
		return InvalidCallback
	}
	return raw
}

// SanitizeCommandName normalizes a typed command ("/Approve@my_bot") to its
// bare lowercase name. It returns false for anything that is not a plain word.
func SanitizeCommandName(raw string) (string, bool) {
	name := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	if !commandPattern.MatchString(name) {
		return "", false
	}
	return name, true
}

// SanitizeToken accepts bearer tokens within the length cap and token alphabet
func SanitizeToken(raw string) (string, bool) {
	token := strings.TrimSpace(raw)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" || len(token) > MaxTokenLength || !tokenPattern.MatchString(token) {
		return "", false
	}
	return token, true
}

// SanitizeReply prepares bot-authored HTML for sending. Markup is kept, the
// text is cut to the provider's message cap and invalid UTF-8 is dropped.
func SanitizeReply(text string) string {
	text = strings.ToValidUTF8(text, "")
	return truncate(text, MaxReplyLength)
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
