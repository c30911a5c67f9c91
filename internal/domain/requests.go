package domain

import (
	"github.com/shopspring/decimal"
)

type CartLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type AdHocDiscountRequest struct {
	Name        string  `json:"name" validate:"required"`
	Kind        string  `json:"kind" validate:"required,oneof=percentage fixed_amount"`
	Percent     float64 `json:"percent" validate:"gte=0,lte=100"`
	AmountCents int64   `json:"amount_cents" validate:"gte=0"`
}

type CartRequest struct {
	Lines          []CartLineRequest      `json:"lines" validate:"dive"`
	DiscountIDs    []string               `json:"discount_ids" validate:"dive,required"`
	AdHocDiscounts []AdHocDiscountRequest `json:"ad_hoc_discounts" validate:"dive"`
	CustomerID     string                 `json:"customer_id"`
	PointsToUse    int64                  `json:"points_to_use" validate:"gte=0"`
}

type CheckoutRequest struct {
	CartRequest
	OrderNumber       string `json:"order_number" validate:"omitempty,max=64"`
	PaymentMethod     string `json:"payment_method" validate:"required,oneof=cash card qris ewallet"`
	PaymentReference  string `json:"payment_reference"`
	CashReceivedCents int64  `json:"cash_received_cents" validate:"gte=0"`
}

type RejectedDiscount struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type QuoteResponse struct {
	Lines              []CartLine         `json:"lines"`
	SubtotalCents      int64              `json:"subtotal_cents"`
	DiscountCents      int64              `json:"discount_cents"`
	AppliedDiscounts   []AppliedDiscount  `json:"applied_discounts"`
	RejectedDiscounts  []RejectedDiscount `json:"rejected_discounts,omitempty"`
	TotalCents         int64              `json:"total_cents"`
	PointsToUse        int64              `json:"points_to_use"`
	ValueRedeemedCents int64              `json:"value_redeemed_cents"`
	PayableCents       int64              `json:"payable_cents"`
	Cashback           CashbackBreakdown  `json:"cashback"`
	PointsEarnable     int64              `json:"points_earnable"`
	PointBalance       *int64             `json:"point_balance,omitempty"`
	Warnings           []Warning          `json:"warnings"`
}

type CheckoutResponse struct {
	Receipt   Receipt   `json:"receipt"`
	State     string    `json:"state"`
	Duplicate bool      `json:"duplicate"`
	Warnings  []Warning `json:"warnings"`
}

type ShiftOpenRequest struct {
	OpeningCashCents int64 `json:"opening_cash_cents" validate:"gte=0"`
}

type ShiftCloseRequest struct {
	ClosingCashCents int64 `json:"closing_cash_cents" validate:"gte=0"`
}

type PointsView struct {
	CustomerID string             `json:"customer_id"`
	Balance    int64              `json:"balance"`
	Entries    []PointLedgerEntry `json:"entries"`
	Stale      bool               `json:"stale"`
}

type PrintResult struct {
	OrderNumber string `json:"order_number"`
	Accepted    bool   `json:"accepted"`
	Error       string `json:"error,omitempty"`
}

type CategoryList struct {
	Categories []Category `json:"categories"`
	Stale      bool       `json:"stale"`
}

type LoginRequest struct {
	Username string `json:"username"`
	PIN      string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type PointAdjustRequest struct {
	Type       string `json:"type"`
	Points     int64  `json:"points"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}
