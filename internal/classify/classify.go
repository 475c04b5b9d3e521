// Package classify derives language, category and priority of a support request
// from its initiating query using fixed keyword tables.
package classify

import (
	"strings"
	"unicode"

	"github.com/yegors/co-desk/internal/model"
)

// Supported reply languages
const (
	LangAzerbaijani = "az"
	LangRussian     = "ru"
	LangEnglish     = "en"
)

// CategoryGeneral is returned when no keyword matches
const CategoryGeneral = "general"

// categories are checked in order, the first match wins
var categories = []struct {
	name     string
	keywords []string
}{
	{"delivery", []string{"доставка", "çatdırılma", "delivery", "курьер", "kuryer"}},
	{"payment", []string{"оплата", "ödəniş", "payment", "карта", "kart", "cash"}},
	{"return", []string{"возврат", "qaytarma", "return", "обмен", "dəyişdirmə"}},
	{"bonus", []string{"бонус", "bonus", "бирбонус", "birbonus", "cashback"}},
	{"product", []string{"товар", "məhsul", "product", "качество", "keyfiyyət"}},
	{"order", []string{"заказ", "sifariş", "order", "статус", "status"}},
	{"account", []string{"аккаунт", "hesab", "account", "регистрация", "qeydiyyat"}},
}

var highPriorityKeywords = []string{
	"срочно", "urgent", "təcili",
	"не работает", "işləmir", "not working",
	"ошибка", "xəta", "error",
	"деньги", "pul", "money",
	"не пришёл", "gəlmədi", "didn't arrive",
}

// Azerbaijani-specific letters (Latin script)
const azLetters = "ğüşöçəİıĞÜŞÖÇƏ"

// Language guesses the language from the script of the text:
// Azerbaijani letters first, then Cyrillic, otherwise English.
func Language(text string) string {
	if strings.ContainsAny(text, azLetters) {
		return LangAzerbaijani
	}
	for _, r := range text {
		if unicode.Is(unicode.Cyrillic, r) {
			return LangRussian
		}
	}
	return LangEnglish
}

// Category returns the first category whose keywords occur in the query
func Category(query string) string {
	q := strings.ToLower(query)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(q, kw) {
				return c.name
			}
		}
	}
	return CategoryGeneral
}

// Priority is high when the query mentions urgency, failures or money
func Priority(query string) model.Priority {
	q := strings.ToLower(query)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(q, kw) {
			return model.PriorityHigh
		}
	}
	return model.PriorityNormal
}
