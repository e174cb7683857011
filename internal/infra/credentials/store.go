// Package credentials keeps provider API keys in the bridge database so a
// workstation can be provisioned once instead of exporting keys per shell.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"genbridge/internal/infra"
	"genbridge/internal/sqlinline"
)

const (
	ProviderDashScope = "dashscope"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// EnsureSchema creates the key table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QProviderKeySchema); err != nil {
		return fmt.Errorf("credentials: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) DashScopeAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderDashScope)
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectProviderKey, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: read %s key: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetDashScopeAPIKey(ctx context.Context, key string, props map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credentials: dashscope api key is required")
	}
	return s.upsert(ctx, ProviderDashScope, key, props)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertProviderKey, provider, token, raw); err != nil {
		return fmt.Errorf("credentials: store %s key: %w", provider, err)
	}
	return nil
}
