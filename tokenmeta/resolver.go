package tokenmeta

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txtracker"
)

// Resolver looks up tokens on any chain served by a ClientProvider.
type Resolver struct {
	clients txtracker.ClientProvider
}

func NewResolver(clients txtracker.ClientProvider) *Resolver {
	return &Resolver{clients: clients}
}

// Lookup returns the metadata of address on chainID.
func (r *Resolver) Lookup(ctx context.Context, chainID uint64, address common.Address) (txtracker.TokenRef, error) {
	client, err := r.clients.Client(ctx, chainID)
	if err != nil {
		return txtracker.TokenRef{}, err
	}
	return NewReader(client).Lookup(ctx, address)
}
