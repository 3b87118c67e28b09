package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

var errEmptyReport = errors.New("gateway report carries neither status nor amount")

// applyReport folds a gateway status report into p. It returns nil for
// reports that change nothing, such as duplicates or reports for a status
// the payment already passed. Any returned error means the report was
// rejected; p may be partially modified and the caller rolls it back.
func applyReport(p *payment.Payment, desc adapter.Descriptor, r adapter.StatusReport) error {
	if p.Status.IsTerminal() {
		return nil
	}
	if r.Amount.Valid && r.Amount.Decimal.IsNegative() {
		return fmt.Errorf("negative amount %s reported", r.Amount.Decimal)
	}
	switch {
	case r.Empty():
		return errEmptyReport
	case r.HasStatus():
		return applyStatus(p, desc, r.Status, r.Amount)
	default:
		return applyAmount(p, r.Amount.Decimal)
	}
}

func applyStatus(p *payment.Payment, desc adapter.Descriptor, target payment.Status, amount decimal.NullDecimal) error {
	if !target.Valid() {
		return fmt.Errorf("unknown status %q reported", target)
	}

	switch target {
	case payment.StatusFailed:
		p.Status = payment.StatusFailed
		return nil
	case payment.StatusReleased:
		if p.Status != payment.StatusLocked {
			return fmt.Errorf("release reported for %s payment", p.Status)
		}
		p.Status = payment.StatusReleased
		p.LockedAmount = decimal.Zero
		return nil
	}

	if target.Precedes(p.Status) {
		return nil
	}
	if target == p.Status {
		return applySameStatus(p, amount)
	}
	if !p.Status.CanTransitionTo(target) {
		return fmt.Errorf("reported status %s cannot follow %s", target, p.Status)
	}

	switch target {
	case payment.StatusPending:
		p.Status = payment.StatusPending

	case payment.StatusLocked:
		if !desc.SupportsLock {
			return fmt.Errorf("lock reported by backend without lock support")
		}
		locked := p.Amount
		if amount.Valid {
			locked = amount.Decimal
		}
		if !locked.IsPositive() || locked.GreaterThan(p.Amount) {
			return fmt.Errorf("reported locked amount %s outside (0, %s]", locked, p.Amount)
		}
		p.LockedAmount = locked
		p.LockUsed = true
		p.Status = payment.StatusLocked

	case payment.StatusCharged:
		charged := p.Amount
		if p.LockUsed {
			charged = p.LockedAmount
		}
		if amount.Valid {
			charged = amount.Decimal
		}
		if !charged.IsPositive() || charged.GreaterThan(p.Amount) {
			return fmt.Errorf("reported charged amount %s outside (0, %s]", charged, p.Amount)
		}
		p.ChargedAmount = charged
		p.Status = payment.StatusCharged

	case payment.StatusPartiallyRefunded:
		if !amount.Valid {
			return fmt.Errorf("partial refund reported without an amount")
		}
		if !amount.Decimal.IsPositive() || !amount.Decimal.LessThan(p.ChargedAmount) {
			return fmt.Errorf("reported partial refund %s outside (0, %s)", amount.Decimal, p.ChargedAmount)
		}
		p.RefundedAmount = amount.Decimal
		p.Status = payment.StatusPartiallyRefunded

	case payment.StatusRefunded:
		if amount.Valid && !amount.Decimal.Equal(p.ChargedAmount) {
			return fmt.Errorf("full refund of %s reported, charged %s", amount.Decimal, p.ChargedAmount)
		}
		p.RefundedAmount = p.ChargedAmount
		p.Status = payment.StatusRefunded
	}
	return nil
}

// applySameStatus handles a report repeating the current status.
func applySameStatus(p *payment.Payment, amount decimal.NullDecimal) error {
	if !amount.Valid {
		return nil
	}
	reported := amount.Decimal

	switch p.Status {
	case payment.StatusPending:
		if reported.IsZero() || reported.Equal(p.Amount) {
			return nil
		}
		return fmt.Errorf("pending report with amount %s, payment amount %s", reported, p.Amount)
	case payment.StatusLocked:
		if reported.Equal(p.LockedAmount) {
			return nil
		}
		return fmt.Errorf("locked report with amount %s, recorded %s", reported, p.LockedAmount)
	case payment.StatusCharged:
		if reported.Equal(p.ChargedAmount) {
			return nil
		}
		return fmt.Errorf("charged report with amount %s, recorded %s", reported, p.ChargedAmount)
	case payment.StatusPartiallyRefunded:
		switch {
		case reported.Equal(p.RefundedAmount):
			return nil
		case reported.LessThan(p.RefundedAmount):
			return fmt.Errorf("refunded amount decreased from %s to %s", p.RefundedAmount, reported)
		case !reported.LessThan(p.ChargedAmount):
			return fmt.Errorf("partial refund %s not below charged %s", reported, p.ChargedAmount)
		}
		p.RefundedAmount = reported
		return nil
	default:
		return fmt.Errorf("unexpected %s report with amount %s", p.Status, reported)
	}
}

// applyAmount handles a report carrying only the cumulative captured amount.
func applyAmount(p *payment.Payment, captured decimal.Decimal) error {
	switch p.Status {
	case payment.StatusPending:
		if captured.IsZero() {
			return nil
		}
		if !captured.Equal(p.Amount) {
			return fmt.Errorf("captured %s does not match payment amount %s", captured, p.Amount)
		}
	case payment.StatusLocked:
		if captured.IsZero() {
			return nil
		}
		if captured.GreaterThan(p.LockedAmount) {
			return fmt.Errorf("captured %s exceeds locked %s", captured, p.LockedAmount)
		}
	case payment.StatusCharged, payment.StatusPartiallyRefunded:
		if captured.Equal(p.ChargedAmount) {
			return nil
		}
		return fmt.Errorf("captured %s differs from recorded charge %s", captured, p.ChargedAmount)
	default:
		return fmt.Errorf("amount-only report is ambiguous for %s payment", p.Status)
	}
	p.ChargedAmount = captured
	p.Status = payment.StatusCharged
	return nil
}
