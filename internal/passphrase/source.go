package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompt reads a secret from the operator.
type Prompt func(label string) (string, error)

// Source lazily resolves the account keystore passphrase from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	prompt Prompt

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: terminalPrompt}
}

// WithPrompt replaces the interactive prompt. A nil prompt disables
// prompting.
func (s *Source) WithPrompt(p Prompt) *Source {
	s.prompt = p
	return s
}

// Get returns the cached passphrase or resolves it on first use. An env var
// that is set is used verbatim; whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		if s.prompt == nil {
			s.err = s.missing()
			return
		}
		value, err := s.prompt("Enter account keystore passphrase: ")
		if err != nil {
			if errors.Is(err, errNoTerminal) {
				s.err = s.missing()
				return
			}
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("keystore passphrase cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}

func (s *Source) missing() error {
	if s.envVar != "" {
		return fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
	}
	return errors.New("keystore passphrase required and no terminal available")
}

var errNoTerminal = errors.New("no terminal")

func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
