package routeros

import (
	"context"

	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
	"github.com/microsoftjulius/billing-sub001/internal/settings"
)

// Provider resolves the RouterOS client for a tenant from its configured
// router device. Implements reconcile.ControllerProvider.
type Provider struct {
	settings *settings.Provider
}

func NewProvider(settings *settings.Provider) *Provider {
	return &Provider{settings: settings}
}

func (p *Provider) ForTenant(ctx context.Context, tenantID uint) (reconcile.AccessController, error) {
	device, err := p.settings.RouterDevice(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewClient(device.Address, device.Username, device.Password), nil
}
