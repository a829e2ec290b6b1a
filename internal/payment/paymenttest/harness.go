package paymenttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	auditrepo "github.com/smallbiznis/payflow/internal/audit/repository"
	auditservice "github.com/smallbiznis/payflow/internal/audit/service"
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/events"
	ledgerservice "github.com/smallbiznis/payflow/internal/ledger/service"
	"github.com/smallbiznis/payflow/internal/payable"
	"github.com/smallbiznis/payflow/internal/payment/adapters"
	balanceadapter "github.com/smallbiznis/payflow/internal/payment/adapters/balance"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/fee"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	paymentrepo "github.com/smallbiznis/payflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/payflow/internal/payment/service"
	"github.com/smallbiznis/payflow/internal/payment/webhook"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	refundservice "github.com/smallbiznis/payflow/internal/refund/service"
	"github.com/smallbiznis/payflow/internal/testutil"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// Sent is one delivered notification.
type Sent struct {
	UserID   string
	Template string
	Data     map[string]any
}

type Notifier struct {
	mu   sync.Mutex
	sent []Sent
}

func (n *Notifier) Notify(_ context.Context, userID, templateKey string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{UserID: userID, Template: templateKey, Data: data})
	return nil
}

// Count returns how many notifications used template.
func (n *Notifier) Count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.sent {
		if s.Template == template {
			count++
		}
	}
	return count
}

// Policy is a refund policy tests can change between calls.
type Policy struct {
	mu     sync.Mutex
	policy refunddomain.Policy
}

func (p *Policy) RefundPolicy() refunddomain.Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

func (p *Policy) Set(policy refunddomain.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// Activations counts payable callbacks per payment.
type Activations struct {
	mu          sync.Mutex
	activated   map[snowflake.ID]int
	deactivated map[snowflake.ID]int
}

func (a *Activations) Activated(id snowflake.ID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activated[id]
}

func (a *Activations) Deactivated(id snowflake.ID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deactivated[id]
}

// Throttle is a refund throttle whose answer tests control.
type Throttle struct {
	mu     sync.Mutex
	Denied bool
	Err    error
	keys   []string
}

func (th *Throttle) Allow(_ context.Context, key string) (bool, error) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.keys = append(th.keys, key)
	if th.Err != nil {
		return false, th.Err
	}
	return !th.Denied, nil
}

func (th *Throttle) Keys() []string {
	th.mu.Lock()
	defer th.mu.Unlock()
	return append([]string(nil), th.keys...)
}

type Harness struct {
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       *clock.FakeClock
	Gateway     *Gateway
	Repo        paymentdomain.Repository
	Balance     balance.Store
	Payables    *payable.Registry
	Activations *Activations
	Notifier    *Notifier
	Policy      *Policy
	Throttle    *Throttle
	Audit       auditdomain.Service
	Outbox      *events.Outbox
	Engine      *lifecycle.Engine
	Webhooks    *webhook.Service
	Refunds     refunddomain.Service
	Payments    *paymentservice.Service
}

// PayableType is registered with a counting handler.
const PayableType = "booking"

func New(t testing.TB) *Harness {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{Gateway: config.GatewayConfig{
		Timeout:      time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}}

	h := &Harness{
		DB:       db,
		Node:     node,
		Clock:    clk,
		Gateway:  NewGateway(),
		Repo:     paymentrepo.Provide(),
		Balance:  balance.NewGormStore(node),
		Notifier: &Notifier{},
		Policy:   &Policy{policy: refunddomain.DefaultPolicy()},
		Throttle: &Throttle{},
		Activations: &Activations{
			activated:   map[snowflake.ID]int{},
			deactivated: map[snowflake.ID]int{},
		},
	}

	h.Audit = auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide()})
	h.Outbox = events.NewOutbox(events.Params{DB: db, Log: log, GenID: node})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, AuditSvc: h.Audit, Outbox: h.Outbox})

	h.Payables = payable.NewRegistry(log)
	h.Payables.Register(PayableType, payable.HandlerFuncs{
		ActivateFunc: func(_ context.Context, _ *gorm.DB, p *paymentdomain.Payment) error {
			h.Activations.mu.Lock()
			defer h.Activations.mu.Unlock()
			h.Activations.activated[p.ID]++
			return nil
		},
		DeactivateFunc: func(_ context.Context, _ *gorm.DB, p *paymentdomain.Payment) error {
			h.Activations.mu.Lock()
			defer h.Activations.mu.Unlock()
			h.Activations.deactivated[p.ID]++
			return nil
		},
	})

	registry := adapters.NewRegistry(h.Gateway, balanceadapter.NewFactory(db, h.Balance))
	resolver := adapters.NewResolver(registry, nil, time.Second, nil)
	fees := fee.NewTableHolder(fee.NewTable(
		fee.Tariff{
			Gateway:             GatewayName,
			DefaultRate:         fee.Rate{Percent: decimal.RequireFromString("2.8")},
			SupportedCurrencies: []string{"RUB", "USD"},
		},
		fee.Tariff{
			Gateway:             balanceadapter.Gateway,
			SupportedCurrencies: []string{"RUB"},
		},
	))

	h.Engine = lifecycle.NewEngine(lifecycle.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      h.Repo,
		LedgerSvc: ledgerSvc,
		AuditSvc:  h.Audit,
		Outbox:    h.Outbox,
		Payables:  h.Payables,
		Balance:   h.Balance,
		Notifier:  h.Notifier,
		Clock:     clk,
	})
	h.Webhooks = webhook.NewService(webhook.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     h.Repo,
		Resolver: resolver,
		Engine:   h.Engine,
		AuditSvc: h.Audit,
		Clock:    clk,
	})
	h.Refunds = refundservice.NewService(refundservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Cfg:      cfg,
		Repo:     h.Repo,
		Resolver: resolver,
		Engine:   h.Engine,
		Policy:   h.Policy,
		Payables: h.Payables,
		AuditSvc: h.Audit,
		Outbox:   h.Outbox,
		Throttle: h.Throttle,
		Clock:    clk,
	})
	h.Payments = paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Cfg:      cfg,
		Repo:     h.Repo,
		Resolver: resolver,
		Fees:     fees,
		Engine:   h.Engine,
		Webhooks: h.Webhooks,
		Refunds:  h.Refunds,
		Outbox:   h.Outbox,
		AuditSvc: h.Audit,
		Clock:    clk,
	})
	return h
}

// CreateBooking creates a pending card payment for a booking.
func (h *Harness) CreateBooking(t testing.TB, amount string) *paymentdomain.Payment {
	t.Helper()
	payment, err := h.Payments.Create(context.Background(), paymentdomain.CreateRequest{
		UserID:      "user-1",
		Amount:      decimal.RequireFromString(amount),
		Currency:    "RUB",
		Method:      paymentdomain.MethodCard,
		Type:        paymentdomain.TypeServicePayment,
		PayableType: PayableType,
		PayableID:   "booking-1",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}

// Complete drives a payment to completed through process and a paid webhook.
func (h *Harness) Complete(t testing.TB, payment *paymentdomain.Payment) *paymentdomain.Payment {
	t.Helper()
	ctx := context.Background()
	result, err := h.Payments.Process(ctx, payment.ID)
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	accepted, err := h.Payments.HandleWebhook(ctx, GatewayName, Body(Notification{ID: result.Payment.External(), Event: "paid"}), Signed())
	if err != nil || !accepted {
		t.Fatalf("paid webhook: accepted=%v err=%v", accepted, err)
	}
	return h.Reload(t, payment.ID)
}

func (h *Harness) Reload(t testing.TB, id snowflake.ID) *paymentdomain.Payment {
	t.Helper()
	payment, err := h.Repo.FindByID(context.Background(), h.DB, id)
	if err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	return payment
}
