package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ContextIdentity is the stable identity of one engine instance. It plays the
// role of the foreground context id: workflows created here are stamped with
// it, and the polling bridge only claims steps from workflows it owns.
type ContextIdentity struct {
	ContextID string    `json:"context_id"`
	Hostname  string    `json:"hostname,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrCreate reads the identity file at path, generating and persisting a
// fresh identity on first start. An unreadable or invalid file is replaced
// rather than treated as fatal: the id only has to be stable, not recoverable.
func LoadOrCreate(path string) (*ContextIdentity, error) {
	if data, err := os.ReadFile(path); err == nil {
		ident := &ContextIdentity{}
		if err := json.Unmarshal(data, ident); err == nil && ident.ContextID != "" {
			return ident, nil
		}
	}

	hostname, _ := os.Hostname()
	ident := &ContextIdentity{
		ContextID: uuid.NewString(),
		Hostname:  hostname,
		CreatedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return ident, nil
}
