package app

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

// Identity of the key provisioned from Config.BootstrapAPIKey.
const (
	BootstrapKeyID    = "bootstrap"
	BootstrapKeyOwner = "admin"
)

// ProvisionBootstrapKey stores rawKey as an admin API key. Rerunning with a
// new key rotates it.
func ProvisionBootstrapKey(ctx context.Context, keys auth.Repository, rawKey string, pepper []byte) error {
	if err := keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      BootstrapKeyID,
		KeyHash: auth.HashKey(rawKey, pepper),
		Name:    "Bootstrap admin key",
		OwnerID: BootstrapKeyOwner,
		Scopes:  []string{auth.ScopeAdmin},
	}); err != nil {
		return errors.Wrap(err, "provision bootstrap api key")
	}
	return nil
}
