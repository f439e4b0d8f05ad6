// Package credentials resolves LLM API keys from a credentials file or the
// environment, so keys stay out of the main relay config.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/relay/errors"
)

// EnvPath names an explicit credentials file.
const EnvPath = "RELAY_CREDENTIALS"

// ErrInsecurePermissions is returned for files readable by anyone but the owner.
var ErrInsecurePermissions = errors.New(errors.ErrCodeInvalidInput, "credentials file has insecure permissions")

// Section is one [name] table in credentials.toml.
type Section struct {
	APIKey string `toml:"api_key"`
}

// Credentials holds the generic [llm] key plus per-provider sections.
type Credentials struct {
	LLM       Section
	providers map[string]Section
}

// StandardPaths returns candidate credential files in priority order.
func StandardPaths() []string {
	var paths []string
	if p := os.Getenv(EnvPath); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "credentials.toml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "relay", "credentials.toml"),
			filepath.Join(home, ".relay", "credentials.toml"))
	}
	return paths
}

// Load reads the first credentials file that exists. No file is not an
// error; the returned Credentials then only consults the environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		creds, err := LoadFile(path)
		return creds, path, err
	}
	return &Credentials{providers: map[string]Section{}}, "", nil
}

// LoadFile reads path. On Unix the file must be mode 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "reading credentials")
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, errors.Wrap(ErrInsecurePermissions,
				fmt.Sprintf("%s has mode %04o (must be 0400)", path, mode))
		}
	}

	var sections map[string]Section
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parsing "+path)
	}
	creds := &Credentials{providers: make(map[string]Section, len(sections))}
	for name, s := range sections {
		if s.APIKey == "" {
			continue
		}
		if name == "llm" {
			creds.LLM = s
			continue
		}
		creds.providers[normalize(name)] = s
	}
	return creds, nil
}

// APIKey returns the key for provider: its own section, then [llm], then
// the provider's environment variable.
func (c *Credentials) APIKey(provider string) string {
	if c != nil {
		if s, ok := c.providers[normalize(provider)]; ok {
			return s.APIKey
		}
		if c.LLM.APIKey != "" {
			return c.LLM.APIKey
		}
	}
	for _, name := range envVars(provider) {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func normalize(provider string) string {
	return strings.ToLower(strings.ReplaceAll(provider, "-", ""))
}

func envVars(provider string) []string {
	switch normalize(provider) {
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "openai":
		return []string{"OPENAI_API_KEY"}
	case "google", "gemini":
		return []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}
	default:
		return []string{strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"}
	}
}
