package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Secret keys. Secrets are read from the environment or the secrets file,
// never from config.yaml.
const (
	SecretLLMAPIKey = "llm.api_key"
	SecretAPIToken  = "server.api_token"
)

// SecretStore reads and writes secrets.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

var ErrSecretNotFound = errors.New("secret not found")

// FileSecrets keeps secrets in a 0600 YAML file under the data directory.
type FileSecrets struct {
	Path string
}

// NewSecrets returns the secret store at $XDG_DATA_HOME/inkwell/secrets.yaml.
func NewSecrets() FileSecrets {
	return FileSecrets{Path: filepath.Join(defaultDataDir(), "secrets.yaml")}
}

func (f FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f FileSecrets) Get(key string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (f FileSecrets) Set(key, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[key] = value
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, out, 0o600)
}

// GetAPIToken returns the API bearer token: INKWELL_API_TOKEN, then the
// secret store. A missing token is generated and saved.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("INKWELL_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get(SecretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(SecretAPIToken, tok); err != nil {
		return "", fmt.Errorf("saving API token: %w", err)
	}
	return tok, nil
}
