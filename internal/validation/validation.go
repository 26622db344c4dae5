// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// MinReasonWords задаёт минимальное число слов в причине заявки на возврат.
const MinReasonWords = 10

// IsValidOrderID проверяет, что идентификатор заказа состоит из 6–32 латинских букв и цифр.
func IsValidOrderID(id string) bool {
	if len(id) < 6 || len(id) > 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		if !isASCIIAlnum(ch) {
			return false
		}
	}
	return true
}

// IsValidWalletAddress проверяет адрес кошелька TON в user-friendly
// (48 символов base64url) или raw-формате (workchain:64 hex).
func IsValidWalletAddress(addr string) bool {
	if wc, hash, ok := strings.Cut(addr, ":"); ok {
		if wc != "0" && wc != "-1" {
			return false
		}
		if len(hash) != 64 {
			return false
		}
		for i := 0; i < len(hash); i++ {
			if !isHex(hash[i]) {
				return false
			}
		}
		return true
	}

	if len(addr) != 48 {
		return false
	}
	for i := 0; i < len(addr); i++ {
		ch := addr[i]
		if !isASCIIAlnum(ch) && ch != '-' && ch != '_' && ch != '+' && ch != '/' {
			return false
		}
	}
	return true
}

// IsValidUsername проверяет имя пользователя Telegram (с @ или без).
func IsValidUsername(name string) bool {
	name = strings.TrimPrefix(name, "@")
	if len(name) < 5 || len(name) > 32 {
		return false
	}
	if !unicode.IsLetter(rune(name[0])) {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if !isASCIIAlnum(ch) && ch != '_' {
			return false
		}
	}
	return true
}

// WordCount возвращает число слов в тексте.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// IsValidReversalReason проверяет, что причина возврата содержит не менее MinReasonWords слов.
func IsValidReversalReason(reason string) bool {
	return WordCount(reason) >= MinReasonWords
}

func isASCIIAlnum(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isHex(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
