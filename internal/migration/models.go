package migration

import (
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/events"
	gatewayconfigdomain "github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&paymentdomain.Payment{},
		&paymentdomain.GatewayExchange{},
		&paymentdomain.WebhookReceipt{},
		&balance.UserBalance{},
		&balance.Movement{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&auditdomain.AuditLog{},
		&events.OutboxEvent{},
		&gatewayconfigdomain.GatewayConfig{},
	}
}
