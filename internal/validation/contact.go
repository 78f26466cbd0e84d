// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// IsValidEmail проверяет минимальную корректность адреса электронной почты:
// одна @, непустая локальная часть и домен с точкой.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}

	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") {
		return false
	}

	local := email[:at]
	domain := email[at+1:]
	if local == "" || domain == "" {
		return false
	}

	dot := strings.LastIndex(domain, ".")
	if dot <= 0 || dot == len(domain)-1 {
		return false
	}

	return !strings.ContainsAny(email, " \t")
}

// IsValidPhone проверяет номер телефона: от 10 до 15 цифр,
// допускается ведущий знак +.
func IsValidPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return false
	}

	if strings.HasPrefix(phone, "+") {
		phone = phone[1:]
	}

	if len(phone) < 10 || len(phone) > 15 {
		return false
	}

	for _, ch := range phone {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
