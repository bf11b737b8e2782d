package securestore

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// DefaultService namespaces session entries so they do not collide with
// unrelated secure items sharing the backend.
const DefaultService = "oauth2"

// DefaultMaxValueSize bounds a single plaintext entry. Keycloak access
// tokens carrying realm and client roles routinely pass 2 KiB, so the
// default leaves room for them; set storage.max_value_size to 2048 to
// reproduce a strict keychain ceiling, or 0 to disable the check.
const DefaultMaxValueSize = 16 << 10

// Config selects and parameterises the backend.
type Config struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	Service       string `yaml:"service"`
	EncryptionKey string `yaml:"encryption_key"`
	MaxValueSize  int    `yaml:"max_value_size"`
}

// Open builds the encrypted store described by cfg. The memory backend
// without a configured key gets a random per-process key.
func Open(cfg Config) (*EncryptedStore, error) {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}

	var (
		backend Store
		err     error
	)
	switch strings.ToLower(cfg.Backend) {
	case "memory", "":
		backend = NewMemoryStore()
	case "file", "buntdb":
		if cfg.EncryptionKey == "" {
			return nil, fmt.Errorf("securestore: encryption_key required for %s backend", cfg.Backend)
		}
		backend, err = OpenBuntStore(cfg.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}

	secret := []byte(cfg.EncryptionKey)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
	}

	store, err := NewEncryptedStore(backend, secret, service, cfg.MaxValueSize)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}
