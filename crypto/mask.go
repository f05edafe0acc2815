package crypto

import (
	"regexp"
	"strings"
)

// Маскирование для логов: телефоны, имена и адреса никогда не пишутся
// в лог целиком.

// MaskPhone: +79991234567 → +7******4567 (первые 2 цифры + **** + последние 4).
func MaskPhone(phone string) string {
	digits := onlyDigits(phone)
	if len(digits) < 7 {
		return "****"
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+"
	}
	return prefix + digits[:2] + strings.Repeat("*", len(digits)-6) + digits[len(digits)-4:]
}

// MaskName маскирует каждое слово: Иванов → И***в.
func MaskName(name string) string {
	if name == "" {
		return ""
	}
	words := strings.Fields(name)
	for i, w := range words {
		r := []rune(w)
		switch {
		case len(r) <= 2:
			words[i] = string(r[0]) + "*"
		default:
			words[i] = string(r[0]) + "***" + string(r[len(r)-1])
		}
	}
	return strings.Join(words, " ")
}

// MaskAddress оставляет первый сегмент адреса и усечённый второй:
// "Москва, Ленина 10, кв 5" → "Москва, Лени…".
func MaskAddress(addr string) string {
	if addr == "" {
		return ""
	}
	parts := strings.SplitN(addr, ",", 3)
	out := strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		second := []rune(strings.TrimSpace(parts[1]))
		if len(second) > 4 {
			second = second[:4]
		}
		out += ", " + string(second) + "…"
	}
	return out
}

// MaskUsername: durov → d***v.
func MaskUsername(username string) string {
	r := []rune(strings.TrimPrefix(username, "@"))
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 2 {
		return string(r[0]) + "*"
	}
	return string(r[0]) + "***" + string(r[len(r)-1])
}

var (
	rePhone = regexp.MustCompile(`(?:\+7|\b[78])[\s\-]?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{2}[\s\-]?\d{2}\b`)
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reToken = regexp.MustCompile(`\b\d{6,10}:[A-Za-z0-9_\-]{30,}\b`)
)

// SanitizeLogMessage вычищает из произвольной строки телефоны, почту и
// токены ботов перед записью в лог. Применяется ко всем сообщениям ошибок.
func SanitizeLogMessage(msg string) string {
	msg = rePhone.ReplaceAllString(msg, "[phone]")
	msg = reEmail.ReplaceAllString(msg, "[email]")
	msg = reToken.ReplaceAllString(msg, "[token]")
	return msg
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
