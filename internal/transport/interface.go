package transport

import "context"

// Memory is the byte-level view of target memory the sampler and
// controller depend on.
type Memory interface {
	ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error)
	WriteBytes(ctx context.Context, addr uint32, data []byte) error
}

// Transport adds connection management to Memory.
type Transport interface {
	Memory
	Connect(ctx context.Context, host string, port int) error
	Disconnect() error
	Connected() bool
}
