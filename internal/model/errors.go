package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если заказ или заявка не найдены.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при конфликте с существующим состоянием.
	ErrConflict = errors.New("conflict")
	// ErrGateway возвращается при сбое внешнего платёжного шлюза.
	ErrGateway = errors.New("payment gateway error")
	// ErrAlreadyProcessed сообщает, что операция уже была применена ранее.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrExpired возвращается, если сессия или заказ просрочены.
	ErrExpired = errors.New("expired")
	// ErrInvalidState возвращается, если текущий статус не допускает операцию.
	ErrInvalidState = errors.New("invalid order state")
	// ErrRateLimited возвращается при превышении лимита заявок.
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden возвращается, если у инициатора нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrStatusMismatch возвращается хранилищем, если статус заказа
	// на момент фиксации отличается от ожидаемого.
	ErrStatusMismatch = errors.New("status mismatch")
)

// ConflictError возвращается при попытке открыть вторую активную сессию оплаты.
type ConflictError struct {
	ExistingOrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active session already exists: order %s", e.ExistingOrderID)
}

// Is позволяет сравнивать ConflictError с ErrConflict через errors.Is.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
