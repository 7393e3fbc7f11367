package ports

import "context"

// Pinger reports liveness of an infrastructure dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}
