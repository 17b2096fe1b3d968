package translate

import (
	"log"

	"github.com/jeandeaual/go-locale"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer *message.Printer

func init() {
	for _, m := range catalog {
		for tag, text := range m.translations {
			if err := message.SetString(tag, m.key, text); err != nil {
				log.Printf("stepwatch: translate: %v", err)
			}
		}
	}

	locales, err := locale.GetLocales()
	if err != nil {
		log.Printf("stepwatch: locale: %v", err)
	}
	Use(locales...)
}

// supported lists the languages of the catalog; the first one is the fallback.
var supported = []language.Tag{language.AmericanEnglish, language.Chinese}

var matcher = language.NewMatcher(supported)

// Use selects the language matching locales best. Without a match, en-US is used.
func Use(locales ...string) {
	var tags []language.Tag
	for _, l := range locales {
		if tag, err := language.Parse(l); err == nil {
			tags = append(tags, tag)
		}
	}
	_, idx, _ := matcher.Match(tags...)
	printer = message.NewPrinter(supported[idx])
}

// From an en-US Sprintf() format, translate to string.
func From(key message.Reference, args ...any) string {
	return printer.Sprintf(key, args...)
}

type entry struct {
	key          string
	translations map[language.Tag]string
}

var catalog = []entry{
	{"✅ condition met, current EIP: 0x%x", map[language.Tag]string{
		language.Chinese: "✅ 条件满足，当前 EIP: 0x%x",
	}},
	{"condition met after %d steps", map[language.Tag]string{
		language.Chinese: "%d 步后条件满足",
	}},
	{"gave up after %d steps: %v", map[language.Tag]string{
		language.Chinese: "%d 步后放弃: %v",
	}},
}
