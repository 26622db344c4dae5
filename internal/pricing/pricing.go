// Package pricing содержит фиксированную таблицу цен и расчёт суммы заказа.
package pricing

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/starsgate/internal/model"
)

// Table задаёт таблицу цен, по которой сумма заказа рассчитывается один раз при создании.
type Table struct {
	Currency string
	SellRate decimal.Decimal
	BuyRate  decimal.Decimal
	MinStars int64
	MaxStars int64
	Premium  map[int64]decimal.Decimal
}

// Quote содержит результат расчёта стоимости заказа.
type Quote struct {
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	Currency string
}

type fileTable struct {
	Currency string            `toml:"currency"`
	SellRate string            `toml:"sell_rate"`
	BuyRate  string            `toml:"buy_rate"`
	MinStars int64             `toml:"min_stars"`
	MaxStars int64             `toml:"max_stars"`
	Premium  map[string]string `toml:"premium"`
}

// Default возвращает встроенную таблицу цен.
func Default() *Table {
	return &Table{
		Currency: "USDT",
		SellRate: decimal.RequireFromString("0.02"),
		BuyRate:  decimal.RequireFromString("0.025"),
		MinStars: 50,
		MaxStars: 1_000_000,
		Premium: map[int64]decimal.Decimal{
			3:  decimal.RequireFromString("13.99"),
			6:  decimal.RequireFromString("18.99"),
			12: decimal.RequireFromString("32.99"),
		},
	}
}

// Load читает таблицу цен из TOML-файла поверх значений по умолчанию.
// Пустой путь возвращает таблицу по умолчанию.
func Load(path string) (*Table, error) {
	t := Default()
	if path == "" {
		return t, nil
	}

	var ft fileTable
	if _, err := toml.DecodeFile(path, &ft); err != nil {
		return nil, fmt.Errorf("decode price table: %w", err)
	}

	if ft.Currency != "" {
		t.Currency = ft.Currency
	}
	if ft.SellRate != "" {
		v, err := parsePositive(ft.SellRate)
		if err != nil {
			return nil, fmt.Errorf("sell_rate: %w", err)
		}
		t.SellRate = v
	}
	if ft.BuyRate != "" {
		v, err := parsePositive(ft.BuyRate)
		if err != nil {
			return nil, fmt.Errorf("buy_rate: %w", err)
		}
		t.BuyRate = v
	}
	if ft.MinStars > 0 {
		t.MinStars = ft.MinStars
	}
	if ft.MaxStars > 0 {
		t.MaxStars = ft.MaxStars
	}
	if t.MinStars > t.MaxStars {
		return nil, fmt.Errorf("min_stars %d exceeds max_stars %d", t.MinStars, t.MaxStars)
	}
	if len(ft.Premium) > 0 {
		t.Premium = make(map[int64]decimal.Decimal, len(ft.Premium))
		for k, v := range ft.Premium {
			months, err := strconv.ParseInt(k, 10, 64)
			if err != nil || months <= 0 {
				return nil, fmt.Errorf("premium: bad duration %q", k)
			}
			price, err := parsePositive(v)
			if err != nil {
				return nil, fmt.Errorf("premium %s: %w", k, err)
			}
			t.Premium[months] = price
		}
	}

	return t, nil
}

func parsePositive(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", s)
	}
	return v, nil
}

// Quote рассчитывает сумму заказа. quantity означает число звёзд или длительность премиум-подписки в месяцах.
func (t *Table) Quote(direction model.Direction, product model.Product, quantity int64) (Quote, error) {
	if product == model.ProductPremium {
		if direction != model.DirectionBuy {
			return Quote{}, fmt.Errorf("%w: premium can only be bought", model.ErrValidation)
		}
		price, ok := t.Premium[quantity]
		if !ok {
			return Quote{}, fmt.Errorf("%w: unsupported premium duration %d", model.ErrValidation, quantity)
		}
		return Quote{Amount: price.Round(2), Rate: price, Currency: t.Currency}, nil
	}

	if quantity < t.MinStars || quantity > t.MaxStars {
		return Quote{}, fmt.Errorf("%w: quantity must be between %d and %d", model.ErrValidation, t.MinStars, t.MaxStars)
	}

	rate := t.SellRate
	if direction == model.DirectionBuy {
		rate = t.BuyRate
	}

	return Quote{
		Amount:   rate.Mul(decimal.NewFromInt(quantity)).Round(2),
		Rate:     rate,
		Currency: t.Currency,
	}, nil
}
