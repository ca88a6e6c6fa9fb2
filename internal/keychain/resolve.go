package keychain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no source yields an API key.
var ErrNoAPIKey = errors.New("no API key found")

// KeySources lists where an API key may come from, in lookup order:
// environment variables, then a key file, then the secret store.
type KeySources struct {
	Env      []string
	File     string
	Store    Store
	StoreKey string
}

// ResolveAPIKey returns the first non-empty key and a description of where
// it came from.
func ResolveAPIKey(src KeySources) (key, from string, err error) {
	for _, name := range src.Env {
		if name == "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, "$" + name, nil
		}
	}

	if src.File != "" {
		data, err := os.ReadFile(src.File)
		switch {
		case err == nil:
			if v := strings.TrimSpace(string(data)); v != "" {
				return v, src.File, nil
			}
		case !errors.Is(err, fs.ErrNotExist):
			return "", "", fmt.Errorf("reading key file: %w", err)
		}
	}

	if src.Store != nil && src.StoreKey != "" {
		v, err := src.Store.Get(src.StoreKey)
		switch {
		case err == nil && v != "":
			return v, "secret " + src.StoreKey, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return "", "", fmt.Errorf("reading secret store: %w", err)
		}
	}

	return "", "", ErrNoAPIKey
}
