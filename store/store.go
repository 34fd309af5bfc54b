// Package store persists the MijnTed credential set between runs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andig/mijnted/mijnted"
)

// ErrNotFound is returned by Load if nothing has been stored yet.
var ErrNotFound = errors.New("no stored credentials")

// Store loads and saves a credential set.
type Store interface {
	Load(ctx context.Context) (mijnted.Credentials, error)
	Save(ctx context.Context, creds mijnted.Credentials) error
}

const (
	TypeFile    = "file"
	TypeKeyring = "keyring"
)

// New creates a store of the given type. The file store uses path, the
// keyring store uses it as account name.
func New(typ, path string) (Store, error) {
	switch typ {
	case TypeFile, "":
		return NewFile(path), nil
	case TypeKeyring:
		return NewKeyring(path), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", typ)
	}
}

// Updater adapts s to the session token update callback.
func Updater(s Store) mijnted.TokenUpdateFunc {
	return s.Save
}
