package billing

import (
	"context"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
)

// CustomerCreator registers a tenant with the external billing provider and
// returns its customer id.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error)
}

// StripeCustomers creates Stripe customers.
type StripeCustomers struct{}

func NewStripeCustomers(secretKey string) *StripeCustomers {
	stripe.Key = secretKey
	return &StripeCustomers{}
}

func (StripeCustomers) CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"tenant_id": tenantID,
		},
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}
