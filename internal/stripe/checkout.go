package stripe

import (
	"context"
	"strings"

	"github.com/framehaus/server/internal/promo"
)

// CheckoutPreview prices a credit purchase before the session is created,
// so the client can show the discounted total.
type CheckoutPreview struct {
	Credits             int64  `json:"credits"`
	Currency            string `json:"currency"`
	OriginalAmountCents int64  `json:"original_amount_cents"`
	DiscountCents       int64  `json:"discount_cents"`
	FinalAmountCents    int64  `json:"final_amount_cents"`
	PercentOff          int    `json:"percent_off,omitempty"`
	PromoCode           string `json:"promo_code,omitempty"`

	discount *discountDetail
}

type discountDetail struct {
	Code promo.Code
}

// Preview validates the credit amount and optional discount code and
// returns the priced purchase.
func (c *Client) Preview(ctx context.Context, photographerID string, credits int64, code string) (CheckoutPreview, error) {
	if credits < c.minCredits() || credits > c.maxCredits() {
		return CheckoutPreview{}, ErrInvalidCreditAmount
	}

	preview := CheckoutPreview{
		Credits:             credits,
		Currency:            c.currency(),
		OriginalAmountCents: credits * c.pricePerCredit(),
	}
	preview.FinalAmountCents = preview.OriginalAmountCents

	if code == "" {
		return preview, nil
	}

	discount, err := c.promos.DiscountFor(ctx, code, photographerID)
	if err != nil {
		return CheckoutPreview{}, err
	}

	off := discount.AmountOffCents
	if discount.PercentOff > 0 {
		off += preview.OriginalAmountCents * int64(discount.PercentOff) / 100
	}
	if off > preview.OriginalAmountCents {
		off = preview.OriginalAmountCents
	}
	preview.DiscountCents = off
	preview.FinalAmountCents = preview.OriginalAmountCents - off
	preview.PercentOff = discount.PercentOff
	preview.PromoCode = strings.ToUpper(code)
	preview.discount = &discountDetail{Code: discount.Code}
	return preview, nil
}

func (c *Client) pricePerCredit() int64 {
	if c.credits.PriceCentsPerCredit > 0 {
		return c.credits.PriceCentsPerCredit
	}
	return 49
}

func (c *Client) currency() string {
	if c.credits.Currency != "" {
		return strings.ToLower(c.credits.Currency)
	}
	return "eur"
}

func (c *Client) minCredits() int64 {
	if c.credits.MinCheckoutCredits > 0 {
		return c.credits.MinCheckoutCredits
	}
	return 1
}

func (c *Client) maxCredits() int64 {
	if c.credits.MaxCheckoutCredits > 0 {
		return c.credits.MaxCheckoutCredits
	}
	return 10000
}
