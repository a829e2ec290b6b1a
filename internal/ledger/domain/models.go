package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypePayment LedgerSourceType = "payment" // settled user payment
	SourceTypeRefund  LedgerSourceType = "refund"  // money returned to the user
	SourceTypeTopUp   LedgerSourceType = "top_up"  // balance funded by the user
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCash               LedgerAccountCode = "cash"
	AccountCodeAccountsReceivable LedgerAccountCode = "accounts_receivable"

	// Liabilities
	AccountCodeRefundLiab     LedgerAccountCode = "refund_liability"
	AccountCodeUserBalance    LedgerAccountCode = "user_balance"
	AccountCodeGatewayFeesDue LedgerAccountCode = "gateway_fees_payable"

	// Expenses
	AccountCodePaymentFeeExpense LedgerAccountCode = "payment_fee_expense"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCash:               "Cash",
	AccountCodeAccountsReceivable: "Accounts Receivable",
	AccountCodeRefundLiab:         "Refund Liability",
	AccountCodeUserBalance:        "User Balances",
	AccountCodeGatewayFeesDue:     "Gateway Fees Payable",
	AccountCodePaymentFeeExpense:  "Payment Fee Expense",
}

func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry is the immutable header of one financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	CreatedAt     time.Time            `gorm:"not null"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

// Line is a posting request addressed by account code.
type Line struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    decimal.Decimal
}

func Debit(account LedgerAccountCode, amount decimal.Decimal) Line {
	return Line{Account: account, Direction: LedgerEntryDirectionDebit, Amount: amount}
}

func Credit(account LedgerAccountCode, amount decimal.Decimal) Line {
	return Line{Account: account, Direction: LedgerEntryDirectionCredit, Amount: amount}
}
