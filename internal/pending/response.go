package pending

import "strings"

// Answer is the interpreted reply to a confirmation question
type Answer string

const (
	Yes     Answer = "yes"
	No      Answer = "no"
	Unclear Answer = "unclear"
)

var yesPhrases = []string{
	"да", "yes", "bəli", "evet", "hai",
	"конечно", "of course", "əlbəttə", "tabii", "sure",
	"хорошо", "ok", "okay", "yaxşı", "tamam", "alright",
	"давай", "gəl", "let's go",
	"соедини", "connect", "bağla",
	"подтверждаю", "confirm", "təsdiq",
	"+", "👍", "✅", "✓",
}

var noPhrases = []string{
	"нет", "no", "xeyr", "hayır", "yok",
	"не надо", "not needed", "lazım deyil", "gerek yok",
	"отмена", "cancel", "ləğv et", "iptal",
	"не хочу", "don't want", "istəmirəm", "istemiyorum",
	"откажусь", "refuse", "imtina",
	"-", "👎", "❌", "✗",
}

// ParseUserResponse classifies a free-text reply by substring match against
// multilingual yes/no phrase lists. When both lists match, the phrase found
// earliest in the text wins; at the same offset the longer phrase wins.
func ParseUserResponse(text string) Answer {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return Unclear
	}

	yesAt, yesLen := earliest(s, yesPhrases)
	noAt, noLen := earliest(s, noPhrases)

	switch {
	case yesAt < 0 && noAt < 0:
		return Unclear
	case noAt < 0:
		return Yes
	case yesAt < 0:
		return No
	case yesAt < noAt:
		return Yes
	case noAt < yesAt:
		return No
	case noLen > yesLen:
		return No
	default:
		return Yes
	}
}

// earliest returns the smallest offset of any phrase in s and the length of
// the longest phrase starting there, or -1 when none matches
func earliest(s string, phrases []string) (offset, length int) {
	offset = -1
	for _, p := range phrases {
		i := strings.Index(s, p)
		if i < 0 {
			continue
		}
		if offset < 0 || i < offset || (i == offset && len(p) > length) {
			offset, length = i, len(p)
		}
	}
	return offset, length
}
