// Package repository содержит хранилища записей программы вознаграждений:
// PostgreSQL для рабочего окружения и хранилище в памяти для разработки и тестов.
package repository

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateAward возвращается, если награда за это основание уже записана.
	ErrDuplicateAward = errors.New("award already recorded")
	// ErrInvalidTransition возвращается при недопустимой смене статуса бонуса.
	ErrInvalidTransition = errors.New("invalid bonus status transition")
)

// RateUpdate изменяет заблокированную запись ставки и возвращает запись журнала
// и факты для исходящей очереди, сохраняемые вместе со ставкой.
type RateUpdate func(rate *model.TutorRate) (model.RateHistory, []model.Achievement, error)

// ClaimKey формирует ключ притязания бонуса из частей.
func ClaimKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// RetentionClaim возвращает ключ притязания на один месяц удержания ученика.
func RetentionClaim(studentID uuid.UUID, month int) string {
	return ClaimKey(studentID.String(), fmt.Sprint(month))
}

// ClaimNumber возвращает числовую часть ключа притязания после последнего разделителя.
func ClaimNumber(key string) (int, bool) {
	i := strings.LastIndex(key, ":")
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
