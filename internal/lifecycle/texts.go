package lifecycle

// Texts holds the user-visible strings the controller writes into sessions
// and messages. Turkish is the product's primary language.
type Texts struct {
	DefaultTitle      string
	AnswerFailed      string
	MessageUnreadable string
}

var allTexts = map[string]Texts{
	"tr": {
		DefaultTitle:      "Yeni Sohbet",
		AnswerFailed:      "Yanıt alınamadı.",
		MessageUnreadable: "Mesaj çözülemedi.",
	},
	"en": {
		DefaultTitle:      "New Chat",
		AnswerFailed:      "Could not retrieve response.",
		MessageUnreadable: "Message could not be read.",
	},
}

// TextsFor returns the string set for a language tag, falling back to
// Turkish for anything unknown.
func TextsFor(lang string) Texts {
	if t, ok := allTexts[lang]; ok {
		return t
	}
	return allTexts["tr"]
}

// IsDefaultTitle reports whether a title is one of the untouched
// placeholders, in any language.
func IsDefaultTitle(title string) bool {
	for _, t := range allTexts {
		if title == t.DefaultTitle {
			return true
		}
	}
	return false
}
