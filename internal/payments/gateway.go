package payments

import "context"

// InitiateRequest is what the mobile-money gateway needs to start a
// collection from the customer's phone.
type InitiateRequest struct {
	Amount      float64
	Currency    string
	Phone       string
	Description string
	ExternalID  string
	Metadata    map[string]string
}

type InitiateResult struct {
	Success              bool
	Reference            string
	Message              string
	RequiresConfirmation bool
}

type VerifyResult struct {
	Success          bool
	Message          string
	ProviderResponse string
}

// Gateway is the payment-provider boundary. Implementations are network
// clients and must bound their own timeouts.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}
