package reconcile

import "context"

// RemoteUser is the access controller's view of one hotspot username. It is
// never authoritative; the reconciler only reads it to decide corrections.
type RemoteUser struct {
	Username string
	Disabled bool
	Profile  string
	Comment  string
}

// CreateUserRequest carries a voucher onto the controller.
type CreateUserRequest struct {
	Username    string
	Password    string
	Profile     string
	LimitUptime string // e.g. "24h", empty for none
	Comment     string
	Disabled    bool
}

// AccessController is the remote device's user-directory API. All calls are
// network RPCs to an embedded device and may fail transiently; GetUser
// returns (nil, nil) when the user simply does not exist.
type AccessController interface {
	GetUser(ctx context.Context, username string) (*RemoteUser, error)
	CreateUser(ctx context.Context, req CreateUserRequest) error
	EnableUser(ctx context.Context, username string) error
	DisableUser(ctx context.Context, username string) error
	RemoveUser(ctx context.Context, username string) error
}

// ControllerProvider resolves the access controller for a tenant from its
// configured router device.
type ControllerProvider interface {
	ForTenant(ctx context.Context, tenantID uint) (AccessController, error)
}
