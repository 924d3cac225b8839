// Package i18n resolves the participant's language and renders the notices
// the API shows. The study runs in Hungarian; English is offered for staff.
package i18n

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
)

// LangParam is the query parameter used to select a language.
const LangParam = "lang"

var (
	supported = []language.Tag{language.Hungarian, language.English}
	matcher   = language.NewMatcher(supported)
)

// Supported returns the list of supported language tags.
func Supported() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

// Default returns the default language tag.
func Default() language.Tag {
	return supported[0]
}

// ParseTag matches a single tag string against the supported languages.
func ParseTag(value string) (language.Tag, bool) {
	tag, err := language.Parse(strings.TrimSpace(value))
	if err != nil {
		return language.Und, false
	}
	return match(tag)
}

func match(tags ...language.Tag) (language.Tag, bool) {
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return Default(), false
	}
	return supported[idx], true
}

// ResolveTag picks the language for a request: the lang query parameter,
// then Accept-Language, then the default.
func ResolveTag(r *http.Request) language.Tag {
	if r == nil {
		return Default()
	}
	if v := strings.TrimSpace(r.URL.Query().Get(LangParam)); v != "" {
		if tag, ok := ParseTag(v); ok {
			return tag
		}
	}
	if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil {
			if tag, ok := match(tags...); ok {
				return tag
			}
		}
	}
	return Default()
}

// Printer returns a message printer for the supplied tag.
func Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// noticeArgs names the error metadata a notice template interpolates.
var noticeArgs = map[perr.Code][]string{
	perr.CodeTrialBoxRequired:     {"Label"},
	perr.CodeTrialBoxNotAllowed:   {"Label"},
	perr.CodeTrialConfidenceRange: {"Value"},
}

// Notice renders the user-facing text for an error code. Unknown codes get
// the generic notice.
func Notice(tag language.Tag, code perr.Code, metadata map[string]string) string {
	key := "error." + string(code)
	if _, ok := known[code]; !ok {
		key = "error." + string(perr.CodeUnknown)
	}
	var args []any
	for _, name := range noticeArgs[code] {
		args = append(args, metadata[name])
	}
	return Printer(tag).Sprintf(key, args...)
}

// Text renders a plain message key.
func Text(tag language.Tag, key string, args ...any) string {
	return Printer(tag).Sprintf(key, args...)
}

var known = map[perr.Code]struct{}{}

func set(tag language.Tag, code perr.Code, msg string) {
	known[code] = struct{}{}
	_ = message.SetString(tag, "error."+string(code), msg)
}
