package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andig/mijnted/mijnted"
	"github.com/zalando/go-keyring"
)

const keyringService = "mijnted"

// Keyring stores credentials in the OS keyring.
type Keyring struct {
	account string
}

func NewKeyring(account string) *Keyring {
	if account == "" {
		account = "default"
	}
	return &Keyring{account: account}
}

func (s *Keyring) Load(_ context.Context) (mijnted.Credentials, error) {
	var creds mijnted.Credentials

	secret, err := keyring.Get(keyringService, s.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return creds, ErrNotFound
	}
	if err != nil {
		return creds, fmt.Errorf("failed to read keyring: %w", err)
	}

	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return creds, fmt.Errorf("invalid keyring entry: %w", err)
	}

	return creds, nil
}

func (s *Keyring) Save(_ context.Context, creds mijnted.Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	if err := keyring.Set(keyringService, s.account, string(b)); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}

	return nil
}
