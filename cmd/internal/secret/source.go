package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a credential from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	prompt string

	// overridable in tests
	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	readSecret func() ([]byte, error)
	out        io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting with
// prompt on stderr.
func NewSource(envVar, prompt string) *Source {
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		prompt:     prompt,
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(fd) },
		readSecret: func() ([]byte, error) { return term.ReadPassword(fd) },
		out:        os.Stderr,
	}
}

// Get returns the cached credential or resolves it on first use. Set but empty
// variables and whitespace-only input are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		if !s.isTerminal() {
			if s.envVar != "" {
				s.err = fmt.Errorf("credential required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("credential required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.out, s.prompt)
		raw, err := s.readSecret()
		fmt.Fprintln(s.out)
		if err != nil {
			s.err = fmt.Errorf("failed to read credential: %w", err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New("credential cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}
