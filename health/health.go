package health

import "context"

// ReadinessCheck is implemented by every backing store the service needs
// before it can report SERVING.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
