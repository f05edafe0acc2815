package services

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	descriptionMin = 10
	descriptionMax = 500
	notesMax       = 1000
)

var rePhoneNorm = regexp.MustCompile(`^\+7\d{10}$`)

// NormalizePhone приводит телефон к виду +7XXXXXXXXXX. Принимает записи
// с 8, 7 или +7 в начале, со скобками и дефисами.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == 11 && (digits[0] == '7' || digits[0] == '8'):
		digits = digits[1:]
	case len(digits) == 10 && digits[0] == '9':
		// мобильный без кода страны
	default:
		return "", invalid("телефон", "укажите номер в формате +79XXXXXXXXX")
	}

	phone := "+7" + digits
	if !rePhoneNorm.MatchString(phone) {
		return "", invalid("телефон", "укажите номер в формате +79XXXXXXXXX")
	}
	return phone, nil
}

// sqlShaped ловит описания, похожие на SQL-инъекцию. Это не защита
// (запросы параметризованы), а фильтр заведомо мусорного ввода.
var sqlShaped = regexp.MustCompile(`(?i)(;\s*--|'\s*or\s+'|union\s+select|drop\s+table|insert\s+into|delete\s+from|update\s+\w+\s+set)`)

func validateDescription(desc string) error {
	n := utf8.RuneCountInString(desc)
	if n < descriptionMin {
		return invalid("описание", "слишком короткое, минимум 10 символов")
	}
	if n > descriptionMax {
		return invalid("описание", "слишком длинное, максимум 500 символов")
	}
	if sqlShaped.MatchString(desc) {
		return invalid("описание", "недопустимое содержимое")
	}
	return nil
}

func validateNotes(notes string) error {
	if utf8.RuneCountInString(notes) > notesMax {
		return invalid("заметки", "слишком длинные, максимум 1000 символов")
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("имя клиента", "не может быть пустым")
	}
	if utf8.RuneCountInString(name) > 255 {
		return invalid("имя клиента", "слишком длинное")
	}
	return nil
}

func validateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return invalid("адрес", "не может быть пустым")
	}
	if utf8.RuneCountInString(addr) > 500 {
		return invalid("адрес", "слишком длинный")
	}
	return nil
}
