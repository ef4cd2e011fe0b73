// Package prompt provides the interactive terminal side of OAuth logins.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/pysugar/finlink/internal/auth/flow"
)

// ErrNoBrowser is returned by OpenURL when browser launching is disabled.
var ErrNoBrowser = errors.New("prompt: browser launch disabled")

// Terminal implements flow.Prompter on a reader and writer, usually
// stdin and stderr.
type Terminal struct {
	out       io.Writer
	noBrowser bool
	launch    func(ctx context.Context, name string, args ...string) error

	mu     sync.Mutex
	reader *bufio.Reader
}

var _ flow.Prompter = (*Terminal)(nil)

// Option configures a Terminal.
type Option func(*Terminal)

// WithoutBrowser makes OpenURL a no-op that returns ErrNoBrowser.
func WithoutBrowser() Option { return func(t *Terminal) { t.noBrowser = true } }

// WithLauncher replaces the process launcher used by OpenURL.
func WithLauncher(fn func(ctx context.Context, name string, args ...string) error) Option {
	return func(t *Terminal) { t.launch = fn }
}

func NewTerminal(in io.Reader, out io.Writer, opts ...Option) *Terminal {
	t := &Terminal{
		out:    out,
		reader: bufio.NewReader(in),
		launch: startProcess,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OpenURL tries to open rawURL in the default browser.
func (t *Terminal) OpenURL(ctx context.Context, rawURL string) error {
	if t.noBrowser {
		return ErrNoBrowser
	}
	name, args := browserCommand(runtime.GOOS, rawURL)
	if name == "" {
		return fmt.Errorf("prompt: no browser launcher for %s", runtime.GOOS)
	}
	return t.launch(ctx, name, args...)
}

func (t *Terminal) Note(_ context.Context, message string) error {
	_, err := fmt.Fprintln(t.out, message)
	return err
}

// PromptText prints label and reads one trimmed, non-empty line.
func (t *Terminal) PromptText(ctx context.Context, label string) (string, error) {
	if _, err := fmt.Fprintf(t.out, "%s: ", label); err != nil {
		return "", err
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		line, err := t.reader.ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.line == "" {
			return "", errors.New("prompt: empty input")
		}
		return r.line, nil
	}
}

func browserCommand(goos, rawURL string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{rawURL}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", rawURL}
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{rawURL}
	}
	return "", nil
}

func startProcess(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
