package models

import (
	"github.com/shopspring/decimal"
)

// The balance engine is pure arithmetic over BalancePeriod values: no I/O,
// no shared state. Every mutation path (live ledger writes, bulk imports,
// reversals) funnels period math through these functions.
//
// All figures stay decimal end to end. A zero divisor always yields a zero
// quotient; weighted-average prices are total amount over total quantity.

// safeDiv returns a/b, or zero when b is zero.
func safeDiv(a decimal.Decimal, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Div(b)
}

// ApplyInbound folds a receipt of qty at unitPrice into the period and its
// year-to-date figures, then recomputes closing.
func ApplyInbound(p BalancePeriod, qty decimal.Decimal, unitPrice decimal.Decimal) BalancePeriod {
	amount := qty.Mul(unitPrice)

	p.InboundQty = p.InboundQty.Add(qty)
	p.InboundAmount = p.InboundAmount.Add(amount)
	p.InboundUnitPrice = safeDiv(p.InboundAmount, p.InboundQty)

	p.YtdInboundQty = p.YtdInboundQty.Add(qty)
	p.YtdInboundAmount = p.YtdInboundAmount.Add(amount)
	p.YtdInboundUnitPrice = safeDiv(p.YtdInboundAmount, p.YtdInboundQty)

	return RecomputeClosing(p)
}

// ApplyOutbound folds an issue of qty at unitPrice into the period and its
// year-to-date figures, then recomputes closing.
func ApplyOutbound(p BalancePeriod, qty decimal.Decimal, unitPrice decimal.Decimal) BalancePeriod {
	amount := qty.Mul(unitPrice)

	p.OutboundQty = p.OutboundQty.Add(qty)
	p.OutboundAmount = p.OutboundAmount.Add(amount)
	p.OutboundUnitPrice = safeDiv(p.OutboundAmount, p.OutboundQty)

	p.YtdOutboundQty = p.YtdOutboundQty.Add(qty)
	p.YtdOutboundAmount = p.YtdOutboundAmount.Add(amount)
	p.YtdOutboundUnitPrice = safeDiv(p.YtdOutboundAmount, p.YtdOutboundQty)

	return RecomputeClosing(p)
}

// ApplyAdjustment folds a physical correction into the period: a positive
// qty is a de-facto receipt, a negative qty a de-facto issue of |qty|.
func ApplyAdjustment(p BalancePeriod, qty decimal.Decimal, unitPrice decimal.Decimal) BalancePeriod {
	if qty.IsNegative() {
		return ApplyOutbound(p, qty.Neg(), unitPrice)
	}
	return ApplyInbound(p, qty, unitPrice)
}

// ApplyMovement dispatches on the entry kind.
func ApplyMovement(p BalancePeriod, kind LedgerEntryKind, qty decimal.Decimal, unitPrice decimal.Decimal) BalancePeriod {
	switch kind {
	case LedgerEntryKindOutbound:
		return ApplyOutbound(p, qty, unitPrice)
	case LedgerEntryKindAdjustment:
		return ApplyAdjustment(p, qty, unitPrice)
	default:
		return ApplyInbound(p, qty, unitPrice)
	}
}

// RecomputeClosing derives the closing figures from opening + inbound -
// outbound. Closing unit price is the weighted average of the remaining
// value; zero stock always prices at zero. A negative closing is computed
// as-is (over-issuance is a business warning, not an arithmetic error).
func RecomputeClosing(p BalancePeriod) BalancePeriod {
	p.ClosingQty = p.OpeningQty.Add(p.InboundQty).Sub(p.OutboundQty)

	totalValue := p.OpeningQty.Mul(p.OpeningUnitPrice).
		Add(p.InboundAmount).
		Sub(p.OutboundAmount)

	if p.ClosingQty.IsPositive() {
		p.ClosingUnitPrice = safeDiv(totalValue, p.ClosingQty)
	} else {
		p.ClosingUnitPrice = decimal.Zero
	}
	p.ClosingAmount = p.ClosingQty.Mul(p.ClosingUnitPrice)

	return p
}

// ReverseOutbound backs a previously applied outbound movement out of the
// period. Monthly and year-to-date figures are clamped at zero so a double
// reversal cannot drive them negative.
func ReverseOutbound(p BalancePeriod, qty decimal.Decimal, amount decimal.Decimal) BalancePeriod {
	p.OutboundQty = clampZero(p.OutboundQty.Sub(qty))
	p.OutboundAmount = clampZero(p.OutboundAmount.Sub(amount))
	p.OutboundUnitPrice = safeDiv(p.OutboundAmount, p.OutboundQty)

	p.YtdOutboundQty = clampZero(p.YtdOutboundQty.Sub(qty))
	p.YtdOutboundAmount = clampZero(p.YtdOutboundAmount.Sub(amount))
	p.YtdOutboundUnitPrice = safeDiv(p.YtdOutboundAmount, p.YtdOutboundQty)

	return RecomputeClosing(p)
}

// ReverseInbound is the receipt-side counterpart of ReverseOutbound.
func ReverseInbound(p BalancePeriod, qty decimal.Decimal, amount decimal.Decimal) BalancePeriod {
	p.InboundQty = clampZero(p.InboundQty.Sub(qty))
	p.InboundAmount = clampZero(p.InboundAmount.Sub(amount))
	p.InboundUnitPrice = safeDiv(p.InboundAmount, p.InboundQty)

	p.YtdInboundQty = clampZero(p.YtdInboundQty.Sub(qty))
	p.YtdInboundAmount = clampZero(p.YtdInboundAmount.Sub(amount))
	p.YtdInboundUnitPrice = safeDiv(p.YtdInboundAmount, p.YtdInboundQty)

	return RecomputeClosing(p)
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
