package content

import (
	"context"
)

// Rewrite is an improved title/description pair for an existing listing.
type Rewrite struct {
	Title       string
	Description string
}

// Generator produces listing copy. Implementations are expected to be slow
// and rate-limited; callers treat every call as a blocking I/O boundary.
type Generator interface {
	Rewrite(ctx context.Context, title, description string) (Rewrite, error)
	GenerateVariants(ctx context.Context, topic string, count int) ([]Rewrite, error)
}
