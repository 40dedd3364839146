package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading from stdin and writing to stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard on arbitrary streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Parla Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for {
		key, err := w.prompt("Realtime API Key: ")
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Realtime.APIKey = key
		break
	}

	voice, err := w.prompt(fmt.Sprintf("Voice (press Enter for %s): ", cfg.Realtime.Voice))
	if err != nil {
		return nil, err
	}
	if voice != "" {
		cfg.Realtime.Voice = voice
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Tool providers (press Enter on name to finish):")

	for {
		name, err := w.prompt("Provider name: ")
		if err != nil {
			return nil, err
		}
		if name == "" {
			break
		}

		provider := ProviderConfig{Name: name, Enabled: true}

		for {
			rawURL, err := w.prompt("Provider URL (ws://, wss://, http://, https://): ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateProviderURL(rawURL); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			provider.URL = rawURL
			break
		}

		for {
			auth, err := w.readAuth()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAuth(auth); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			provider.Auth = auth
			break
		}

		cfg.Providers = append(cfg.Providers, provider)
	}

	return cfg, nil
}

func (w *Wizard) readAuth() (AuthConfig, error) {
	kind, err := w.prompt("Auth kind (none, bearer, api_key, basic, custom) [none]: ")
	if err != nil {
		return AuthConfig{}, err
	}
	if kind == "" {
		kind = "none"
	}

	auth := AuthConfig{Kind: kind}
	switch kind {
	case "bearer":
		auth.Token, err = w.prompt("Bearer token: ")
	case "api_key":
		auth.APIKey, err = w.prompt("API key: ")
	case "basic":
		if auth.Username, err = w.prompt("Username: "); err == nil {
			auth.Password, err = w.prompt("Password: ")
		}
	case "custom":
		if auth.HeaderName, err = w.prompt("Header name: "); err == nil {
			auth.APIKey, err = w.prompt("Header value: ")
		}
	}
	return auth, err
}

func (w *Wizard) prompt(label string) (string, error) {
	fmt.Fprint(w.out, label)
	return w.readLine()
}

// readLine reads a line from stdin
func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
