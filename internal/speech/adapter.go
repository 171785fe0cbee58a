package speech

import "context"

// Descriptor is static per-adapter metadata. Lower priority is tried first.
type Descriptor struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
}

// Adapter is the uniform contract every recognition engine implements.
// Start failures are treated as retryable by the controller.
type Adapter interface {
	Descriptor() Descriptor
	IsAvailable(ctx context.Context) (bool, error)
	Start(ctx context.Context, locale string, opts Options) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	// SetHandler registers the event sink; nil unregisters it.
	SetHandler(h Handler)
}

// Permission asks the platform for microphone access.
type Permission interface {
	Request(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(ctx context.Context) (bool, error)

func (f PermissionFunc) Request(ctx context.Context) (bool, error) { return f(ctx) }

// StaticPermission always answers with granted.
func StaticPermission(granted bool) Permission {
	return PermissionFunc(func(context.Context) (bool, error) { return granted, nil })
}
