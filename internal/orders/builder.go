package orders

import (
	"context"
	"database/sql"
	"time"

	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/orders/saga"
	"ordersaga/internal/remote"

	"github.com/go-logr/logr"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	ModeMemory   = "memory"
	ModeRemote   = "remote"
	ModePostgres = "postgres"
)

const schemaSetupTimeout = 5 * time.Second

// CollaboratorsConfig selects where the four collaborators live. In
// postgres mode payments and shipping are tables in the order database and
// credit and stock stay in memory.
type CollaboratorsConfig struct {
	Mode         string `mapstructure:"mode"`
	CustomerURL  string `mapstructure:"customer_url"`
	InventoryURL string `mapstructure:"inventory_url"`
	PaymentURL   string `mapstructure:"payment_url"`
	ShippingURL  string `mapstructure:"shipping_url"`
	CreditLimit  string `mapstructure:"credit_limit"`
	Stock        int    `mapstructure:"stock"`
	MaxCharge    string `mapstructure:"max_charge"`
}

func DefaultCollaboratorsConfig() CollaboratorsConfig {
	return CollaboratorsConfig{
		Mode:        ModeMemory,
		CreditLimit: "10000",
		Stock:       1000,
		MaxCharge:   "0",
	}
}

func (c CollaboratorsConfig) Validate() error {
	remoteMode := c.Mode == ModeRemote
	return validation.ValidateStruct(&c,
		validation.Field(&c.Mode, validation.Required, validation.In(ModeMemory, ModeRemote, ModePostgres)),
		validation.Field(&c.CustomerURL, validation.When(remoteMode, validation.Required)),
		validation.Field(&c.InventoryURL, validation.When(remoteMode, validation.Required)),
		validation.Field(&c.PaymentURL, validation.When(remoteMode, validation.Required)),
		validation.Field(&c.ShippingURL, validation.When(remoteMode, validation.Required)),
		validation.Field(&c.CreditLimit, validation.By(isDecimal)),
		validation.Field(&c.Stock, validation.Min(0)),
		validation.Field(&c.MaxCharge, validation.By(isDecimal)),
	)
}

func isDecimal(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	if _, err := decimal.NewFromString(raw); err != nil {
		return validation.NewError("validation_decimal", "must be a decimal number")
	}
	return nil
}

func parseDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Collaborators is the set of services one orchestrator calls.
type Collaborators struct {
	Customers saga.CustomerService
	Inventory saga.InventoryService
	Payments  saga.PaymentService
	Shipping  saga.ShippingService
}

// Orchestrator builds an orchestrator over the collaborators and store.
func (c Collaborators) Orchestrator(store saga.OrderDataStore, opts ...Option) *OrderSagaOrchestrator {
	return NewOrderSagaOrchestrator(c.Customers, c.Inventory, c.Payments, c.Shipping, store, opts...)
}

// BuildCollaborators wires the collaborators for cfg.Mode and wraps each in
// its own guard. db is required in postgres mode and ignored otherwise.
func BuildCollaborators(ctx context.Context, cfg CollaboratorsConfig, rel ReliabilityConfig, db *sql.DB, onWait func(time.Duration), log logr.Logger) (Collaborators, error) {
	if err := cfg.Validate(); err != nil {
		return Collaborators{}, errors.Wrap(err, "collaborators config")
	}

	var base Collaborators
	switch cfg.Mode {
	case ModeRemote:
		httpClient := cleanhttp.DefaultPooledClient()
		base = Collaborators{
			Customers: remote.NewCustomerService(cfg.CustomerURL, httpClient),
			Inventory: remote.NewInventoryService(cfg.InventoryURL, httpClient),
			Payments:  remote.NewPaymentService(cfg.PaymentURL, httpClient),
			Shipping:  remote.NewShippingService(cfg.ShippingURL, httpClient),
		}
	case ModePostgres:
		if db == nil {
			return Collaborators{}, errors.New("postgres collaborators need a database")
		}
		setupCtx, cancel := context.WithTimeout(ctx, schemaSetupTimeout)
		defer cancel()

		payments, err := ordersdb.NewPostgresPaymentServiceWithSchema(setupCtx, db, parseDecimal(cfg.MaxCharge))
		if err != nil {
			return Collaborators{}, errors.Wrap(err, "init payments")
		}
		shipping, err := ordersdb.NewPostgresShippingServiceWithSchema(setupCtx, db)
		if err != nil {
			return Collaborators{}, errors.Wrap(err, "init shipments")
		}
		base = Collaborators{
			Customers: NewInMemoryCustomerService(parseDecimal(cfg.CreditLimit)),
			Inventory: NewInMemoryInventoryService(cfg.Stock),
			Payments:  payments,
			Shipping:  shipping,
		}
	default:
		base = Collaborators{
			Customers: NewInMemoryCustomerService(parseDecimal(cfg.CreditLimit)),
			Inventory: NewInMemoryInventoryService(cfg.Stock),
			Payments:  NewInMemoryPaymentService(parseDecimal(cfg.MaxCharge)),
			Shipping:  NewInMemoryShippingService(),
		}
	}
	log.Info("collaborators ready", "mode", cfg.Mode)

	return Collaborators{
		Customers: GuardCustomers(base.Customers, rel.NewGuard(onWait)),
		Inventory: GuardInventory(base.Inventory, rel.NewGuard(onWait)),
		Payments:  GuardPayments(base.Payments, rel.NewGuard(onWait)),
		Shipping:  GuardShipping(base.Shipping, rel.NewGuard(onWait)),
	}, nil
}
