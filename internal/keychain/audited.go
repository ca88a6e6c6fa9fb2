package keychain

import (
	"fmt"

	"github.com/benaskins/watchmin/internal/audit"
)

// AuditedStore wraps a Store and records every access to the audit log.
type AuditedStore struct {
	inner Store
	audit audit.Recorder
	actor string // "cli" or "daemon"
}

// NewAuditedStore wraps an existing store with audit logging.
func NewAuditedStore(inner Store, auditLog audit.Recorder, actor string) *AuditedStore {
	return &AuditedStore{
		inner: inner,
		audit: auditLog,
		actor: actor,
	}
}

func (s *AuditedStore) Set(key, value string) error {
	if err := s.inner.Set(key, value); err != nil {
		return fmt.Errorf("audited store set: %w", err)
	}

	// Audit logging is best-effort; a failed write does not fail the operation.
	s.audit.Log(audit.Entry{
		Action: audit.ActionSecretWrite,
		Key:    key,
		Actor:  s.actor,
	})
	return nil
}

func (s *AuditedStore) Get(key string) (string, error) {
	val, err := s.inner.Get(key)
	if err != nil {
		return "", fmt.Errorf("audited store get: %w", err)
	}

	s.audit.Log(audit.Entry{
		Action: audit.ActionSecretRead,
		Key:    key,
		Actor:  s.actor,
	})
	return val, nil
}

func (s *AuditedStore) List() ([]string, error) {
	return s.inner.List()
}

func (s *AuditedStore) Delete(key string) error {
	if err := s.inner.Delete(key); err != nil {
		return fmt.Errorf("audited store delete: %w", err)
	}

	s.audit.Log(audit.Entry{
		Action: audit.ActionSecretDelete,
		Key:    key,
		Actor:  s.actor,
	})
	return nil
}
