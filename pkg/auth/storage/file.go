package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/CliForge/envforge/pkg/auth/types"
	"github.com/adrg/xdg"
)

// FileStorage keeps all provider tokens in one 0600 JSON file.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage creates a new file-based storage.
func NewFileStorage(config *types.StorageConfig, appName string) (*FileStorage, error) {
	path := config.Path
	if path == "" {
		path = filepath.Join(xdg.ConfigHome, appName, "credentials.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create auth directory: %w", err)
	}

	return &FileStorage{
		path: path,
	}, nil
}

// SaveToken stores a token under key, keeping the other entries.
func (f *FileStorage) SaveToken(ctx context.Context, key string, token *types.Token) error {
	if token == nil {
		return fmt.Errorf("token is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tokens, err := f.read()
	if err != nil {
		return err
	}
	tokens[key] = token
	return f.write(tokens)
}

// LoadToken loads the token stored under key.
func (f *FileStorage) LoadToken(ctx context.Context, key string) (*types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tokens, err := f.read()
	if err != nil {
		return nil, err
	}
	token, ok := tokens[key]
	if !ok || token == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrTokenNotFound)
	}
	return token, nil
}

// DeleteToken removes the token stored under key. The file is removed once
// it holds no tokens.
func (f *FileStorage) DeleteToken(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tokens, err := f.read()
	if err != nil {
		return err
	}
	delete(tokens, key)
	if len(tokens) == 0 {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete token file: %w", err)
		}
		return nil
	}
	return f.write(tokens)
}

// GetPath returns the path to the token file.
func (f *FileStorage) GetPath() string {
	return f.path
}

func (f *FileStorage) read() (map[string]*types.Token, error) {
	tokens := map[string]*types.Token{}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return tokens, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if len(data) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return tokens, nil
}

func (f *FileStorage) write(tokens map[string]*types.Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
