//go:build !darwin

package keychain

// NewSystemStore falls back to process memory where there is no Keychain.
// Secrets set through the daemon are lost when it exits, so a persistent
// API key belongs in the environment or in fixer.api_key_file.
func NewSystemStore() *MemoryStore { return NewMemoryStore() }
