package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// credentialFile appends alias credentials as JSON lines to an owner-only file.
type credentialFile struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

var _ engine.CredentialSink = (*credentialFile)(nil)

type credentialLine struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

func openCredentialFile(path string) (*credentialFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials output: %w", err)
	}
	// An existing file keeps its mode on open.
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to restrict credentials output: %w", err)
	}
	return &credentialFile{file: f, enc: json.NewEncoder(f)}, nil
}

// StoreCredential appends one line and syncs it to disk.
func (c *credentialFile) StoreCredential(_ context.Context, address, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(credentialLine{Address: address, Secret: secret}); err != nil {
		return fmt.Errorf("failed to write credential for %s: %w", address, err)
	}
	return c.file.Sync()
}

func (c *credentialFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}
