package interfaces

import (
	"context"
	"net/http"

	"ridehail/pkg/types"
)

// Identity resolves who is on the other end of a connection request.
// Unauthenticated requests resolve to an anonymous principal, not an error;
// errors are reserved for resolver failures.
type Identity interface {
	Resolve(ctx context.Context, r *http.Request) (types.Principal, error)
}
