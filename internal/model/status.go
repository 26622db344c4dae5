package model

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusExpired},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusDeclined, OrderStatusRefunded, OrderStatusFailed},
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusDeclined, OrderStatusRefunded, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// Valid сообщает, известен ли статус.
func (s OrderStatus) Valid() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing || s.IsTerminal()
}

// CanTransition проверяет, допустим ли переход from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, закрыта ли заявка на возврат.
func (s ReversalStatus) IsTerminal() bool {
	return s == ReversalStatusCompleted || s == ReversalStatusDeclined
}
