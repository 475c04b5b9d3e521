package handoff

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	answerExcerptLimit  = 500
	contextExcerptLimit = 800
)

type phrases struct {
	connected     string // ticket number, wait hint, chat URL
	directAccept  string // ticket number, wait hint, chat URL
	declined      string
	clarify       string
	offer         string
	queuePosition string // position
	agentJoined   string // agent name
	agentLeft     string // agent name
	userLeft      string
	chatClosed    string
}

var replies = map[string]phrases{
	"ru": {
		connected:     "✅ Отлично! Соединяю вас с оператором...\n\n🎫 Номер обращения: #%s\n⏱️ Среднее время ожидания: ~2-3 минуты\n\n🔗 Чат откроется автоматически:\n%s",
		directAccept:  "✅ Конечно! Соединяю вас с оператором...\n\n🎫 Номер обращения: #%s\n⏱️ Среднее время ожидания: ~2-3 минуты\n\n🔗 Чат:\n%s",
		declined:      "Хорошо, я постараюсь помочь вам дальше. Что бы вы хотели узнать?",
		clarify:       "Извините, я не понял ваш ответ. Пожалуйста, ответьте 'Да' или 'Нет':\n\nХотите соединиться с оператором?",
		offer:         "\n\n❓ Хотите, соединю вас с оператором для более детальной помощи?",
		queuePosition: "Ваше сообщение получено. Позиция в очереди: %d",
		agentJoined:   "Оператор %s подключился к чату",
		agentLeft:     "Оператор %s отключился",
		userLeft:      "Пользователь отключился",
		chatClosed:    "Чат завершён оператором",
	},
	"az": {
		connected:     "✅ Əla! Sizi operatorla əlaqələndirirəm...\n\n🎫 Müraciət nömrəsi: #%s\n⏱️ Orta gözləmə vaxtı: ~2-3 dəqiqə\n\n🔗 Çat avtomatik açılacaq:\n%s",
		directAccept:  "✅ Əlbəttə! Sizi operatorla əlaqələndirirəm...\n\n🎫 Müraciət nömrəsi: #%s\n⏱️ Orta gözləmə vaxtı: ~2-3 dəqiqə\n\n🔗 Çat:\n%s",
		declined:      "Yaxşı, sizə kömək etməyə davam edəcəyəm. Nə öyrənmək istərdiniz?",
		clarify:       "Bağışlayın, cavabınızı başa düşmədim. Zəhmət olmasa 'Bəli' və ya 'Xeyr' cavabı verin:\n\nOperatorla əlaqə saxlamaq istəyirsiniz?",
		offer:         "\n\n❓ Daha ətraflı kömək üçün sizi operatorla əlaqələndirməyimi istəyirsiniz?",
		queuePosition: "Mesajınız alındı. Növbədəki yeriniz: %d",
		agentJoined:   "Operator %s çata qoşuldu",
		agentLeft:     "Operator %s ayrıldı",
		userLeft:      "İstifadəçi ayrıldı",
		chatClosed:    "Çat operator tərəfindən bağlandı",
	},
	"en": {
		connected:     "✅ Great! Connecting you to an agent...\n\n🎫 Ticket number: #%s\n⏱️ Average wait: ~2-3 minutes\n\n🔗 The chat will open automatically:\n%s",
		directAccept:  "✅ Of course! Connecting you to an agent...\n\n🎫 Ticket number: #%s\n⏱️ Average wait: ~2-3 minutes\n\n🔗 Chat:\n%s",
		declined:      "Alright, I will keep helping you. What would you like to know?",
		clarify:       "Sorry, I did not understand your answer. Please reply 'Yes' or 'No':\n\nWould you like to talk to an agent?",
		offer:         "\n\n❓ Would you like me to connect you with an agent for more detailed help?",
		queuePosition: "Your message was received. Position in queue: %d",
		agentJoined:   "Agent %s joined the chat",
		agentLeft:     "Agent %s left",
		userLeft:      "The user disconnected",
		chatClosed:    "The agent closed the chat",
	},
}

// phrasesFor falls back to the configured default language, then to Azerbaijani
func (s *Service) phrasesFor(lang string) phrases {
	if p, ok := replies[strings.ToLower(lang)]; ok {
		return p
	}
	if p, ok := replies[s.cfg.DefaultLanguage]; ok {
		return p
	}
	return replies["az"]
}

func (s *Service) chatURL(sessionID string) string {
	return s.cfg.ChatURL + "?session=" + sessionID
}

// confirmedContext is the block agents see when the user accepted an offered handoff
func confirmedContext(p HandoffPayload) string {
	var b strings.Builder
	b.WriteString("═══════════════════════════════════════════════════════\n")
	b.WriteString("🤖 AUTOMATIC HANDOFF: the user confirmed they need an agent\n")
	b.WriteString("═══════════════════════════════════════════════════════\n\n")
	fmt.Fprintf(&b, "📝 ORIGINAL QUESTION:\n%s\n\n", p.OriginalQuery)
	fmt.Fprintf(&b, "🤖 ASSISTANT ANSWER (DID NOT HELP):\n%s\n\n", excerpt(p.DraftAnswer, answerExcerptLimit))
	fmt.Fprintf(&b, "📚 KNOWLEDGE BASE CONTEXT:\n%s\n\n", excerpt(p.SupportingContext, contextExcerptLimit))
	b.WriteString("💡 REASON: the user accepted the offer to talk to an agent\n")
	b.WriteString("═══════════════════════════════════════════════════════\n")
	return b.String()
}

// directContext is the block agents see when the user asked for a human outright
func directContext(query, supporting string) string {
	var b strings.Builder
	b.WriteString("═══════════════════════════════════════════════════════\n")
	b.WriteString("🤖 DIRECT REQUEST FOR AN AGENT\n")
	b.WriteString("═══════════════════════════════════════════════════════\n\n")
	fmt.Fprintf(&b, "📝 USER REQUEST:\n%s\n\n", query)
	fmt.Fprintf(&b, "📚 CONTEXT:\n%s\n\n", excerpt(supporting, contextExcerptLimit))
	b.WriteString("💡 REASON: the user asked for an agent directly\n")
	b.WriteString("═══════════════════════════════════════════════════════\n")
	return b.String()
}

func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
