// Package appid resolves the grokgate app identity. A `.fulmen/app.yaml` found
// from the working directory, or named by FULMEN_APP_IDENTITY_PATH, wins over
// the copy embedded in the binary.
package appid

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/grokgate/grokgate/internal/assets/appidentity"
)

// embedErr is the result of registering the embedded identity at init.
var embedErr = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)

// Get returns the process identity. The embedded identity covers standalone
// binaries run outside a checkout.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	identity, err := appidentity.Get(ctx)
	if err != nil {
		if embedErr != nil {
			return nil, fmt.Errorf("%w (embedded identity rejected: %v)", err, embedErr)
		}
		return nil, err
	}
	return identity, nil
}

// Reregister resets the gofulmen identity cache and registers the embedded
// identity again.
func Reregister() error {
	appidentity.Reset()
	embedErr = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
	return embedErr
}
