// Package validation содержит функции валидации входных данных на границе API.
package validation

import (
	"unicode"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// IsValidPhone проверяет номер телефона в локальном формате E.164:
// знак «+», затем от 10 до 14 цифр (код страны и номер абонента).
func IsValidPhone(phone string) bool {
	if len(phone) < 2 || phone[0] != '+' {
		return false
	}

	digits := phone[1:]
	if len(digits) < 10 || len(digits) > 14 {
		return false
	}

	for _, ch := range digits {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}

// IsValidLocation проверяет координаты точки.
func IsValidLocation(loc model.Location) bool {
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return false
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return false
	}
	return true
}

// IsValidVolume проверяет категорию объёма отходов.
func IsValidVolume(v model.VolumeCategory) bool {
	switch v {
	case model.VolumeSmall, model.VolumeMedium, model.VolumeLarge:
		return true
	}
	return false
}
