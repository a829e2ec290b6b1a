package lifecycle

import (
	"context"

	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"gorm.io/gorm"
)

// fundingAccount is where the money of a payment comes from.
func fundingAccount(payment *paymentdomain.Payment) ledgerdomain.LedgerAccountCode {
	if payment.Method == paymentdomain.MethodBalance {
		return ledgerdomain.AccountCodeUserBalance
	}
	return ledgerdomain.AccountCodeCash
}

func (e *Engine) postPayment(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	sourceType := ledgerdomain.SourceTypePayment
	creditAccount := ledgerdomain.AccountCodeAccountsReceivable
	if payment.Type == paymentdomain.TypeTopUp {
		sourceType = ledgerdomain.SourceTypeTopUp
		creditAccount = ledgerdomain.AccountCodeUserBalance
	}

	occurredAt := e.clock.Now()
	if payment.ConfirmedAt != nil {
		occurredAt = *payment.ConfirmedAt
	}
	return e.ledgerSvc.CreateEntry(ctx, tx, sourceType, payment.ID, payment.Currency, occurredAt, []ledgerdomain.Line{
		ledgerdomain.Debit(fundingAccount(payment), payment.TotalAmount),
		ledgerdomain.Credit(creditAccount, payment.Amount),
		ledgerdomain.Credit(ledgerdomain.AccountCodeGatewayFeesDue, payment.Fee),
	})
}

func (e *Engine) postRefund(ctx context.Context, tx *gorm.DB, refund *paymentdomain.Payment) error {
	occurredAt := e.clock.Now()
	if refund.ConfirmedAt != nil {
		occurredAt = *refund.ConfirmedAt
	}
	return e.ledgerSvc.CreateEntry(ctx, tx, ledgerdomain.SourceTypeRefund, refund.ID, refund.Currency, occurredAt, []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeRefundLiab, refund.Amount),
		ledgerdomain.Credit(fundingAccount(refund), refund.Amount),
	})
}
