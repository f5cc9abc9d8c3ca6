package services

import (
	"strings"

	"golang.org/x/text/language"
)

// defaultNotificationLocale is used when the contact locale is missing or unparseable.
const defaultNotificationLocale = "ja"

var notificationLocaleMatcher = language.NewMatcher([]language.Tag{
	language.Japanese,
	language.English,
})

// normalizeNotificationLocale maps an arbitrary BCP 47 tag onto the locales
// the mail templates exist for.
func normalizeNotificationLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return defaultNotificationLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return defaultNotificationLocale
	}
	matched, _, confidence := notificationLocaleMatcher.Match(tag)
	if confidence == language.No {
		return defaultNotificationLocale
	}
	base, _ := matched.Base()
	return base.String()
}
