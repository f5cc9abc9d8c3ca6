package domain

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrDiscountPercentageRange signals a percentage outside the inclusive [0,100] range.
	ErrDiscountPercentageRange = errors.New("domain: discount percentage must be between 0 and 100")
	// ErrDiscountAmountNegative signals a negative flat discount amount.
	ErrDiscountAmountNegative = errors.New("domain: discount amount must not be negative")
	// ErrDiscountWindowInvalid signals a validity window whose start is after its end.
	ErrDiscountWindowInvalid = errors.New("domain: discount start date must not be after end date")
	// ErrDiscountNotActive signals the discount is outside its validity window.
	ErrDiscountNotActive = errors.New("domain: discount is not active")
	// ErrDiscountTypeUnknown signals an unrecognised discount type.
	ErrDiscountTypeUnknown = errors.New("domain: unknown discount type")
)

// Validate checks the discount's structural rules and its validity window
// against the supplied time. A nil start or end leaves that side unbounded.
func (d Discount) Validate(now time.Time) error {
	switch d.Type {
	case DiscountTypePercentage:
		if d.Percentage < 0 || d.Percentage > 100 {
			return ErrDiscountPercentageRange
		}
	case DiscountTypeFlat:
		if d.Amount < 0 {
			return ErrDiscountAmountNegative
		}
	default:
		return ErrDiscountTypeUnknown
	}
	if d.StartDate != nil && d.EndDate != nil && d.StartDate.After(*d.EndDate) {
		return ErrDiscountWindowInvalid
	}
	if d.StartDate != nil && now.Before(*d.StartDate) {
		return ErrDiscountNotActive
	}
	if d.EndDate != nil && now.After(*d.EndDate) {
		return ErrDiscountNotActive
	}
	return nil
}

// ValueFor computes the monetary reduction the discount yields against the
// given subtotal. The result never exceeds the subtotal.
func (d Discount) ValueFor(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var value int64
	switch d.Type {
	case DiscountTypePercentage:
		value = int64(math.Round(float64(subtotal) * d.Percentage / 100))
	case DiscountTypeFlat:
		value = d.Amount
	}
	if value < 0 {
		return 0
	}
	if value > subtotal {
		return subtotal
	}
	return value
}

// Subtotal sums quantity times unit price across the supplied items.
func Subtotal(items []OrderItem) int64 {
	var sum int64
	for _, item := range items {
		sum += item.UnitPrice * int64(item.Quantity)
	}
	return sum
}

// ComputeTotals prices the items, applies the optional discount snapshot and
// clamps the grand total to zero. The discount must already be validated.
func ComputeTotals(items []OrderItem, discount *Discount) OrderTotals {
	subtotal := Subtotal(items)
	totals := OrderTotals{Subtotal: subtotal, Total: subtotal}
	if discount != nil {
		totals.Discount = discount.ValueFor(subtotal)
		totals.Total = subtotal - totals.Discount
	}
	if totals.Total < 0 {
		totals.Total = 0
	}
	return totals
}
