// Package scan reads radio observations and GPS fixes from a RutOS/OpenWrt
// router, either locally or over SSH.
package scan

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/starfail/rfloc/pkg/retry"
)

// Runner executes a command and returns its standard output.
// *retry.Runner runs commands on the local router.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

var _ Runner = (*retry.Runner)(nil)

// SSHConfig describes how to reach a remote router
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
}

// SSHRunner runs commands on a remote router. The connection is opened on
// first use and reopened after a failure.
type SSHRunner struct {
	cfg   SSHConfig
	retry *retry.Runner

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates cfg and returns a runner; it does not connect.
func NewSSHRunner(cfg SSHConfig, rc retry.Config) (*SSHRunner, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Password == "" && cfg.KeyFile == "" {
		return nil, fmt.Errorf("ssh needs a password or a key file")
	}
	return &SSHRunner{cfg: cfg, retry: retry.NewRunner(rc)}, nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if r.cfg.KeyFile != "" {
		key, err := os.ReadFile(r.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}

	return &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: auth,
		// routers regenerate host keys on firmware upgrade
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.Timeout,
	}, nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	config, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprint(r.cfg.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		r.client.Close()
		r.client = nil
	}
}

// Output runs the command remotely. Arguments are single-quoted for the
// remote shell.
func (r *SSHRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := shellJoin(name, args...)

	var output []byte
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		client, err := r.connect()
		if err != nil {
			return err
		}
		session, err := client.NewSession()
		if err != nil {
			r.drop(client)
			return fmt.Errorf("failed to create session: %w", err)
		}
		defer session.Close()

		type result struct {
			out []byte
			err error
		}
		done := make(chan result, 1)
		go func() {
			out, err := session.Output(command)
			done <- result{out, err}
		}()

		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			return ctx.Err()
		case res := <-done:
			output = res.out
			return res.err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", name, err)
	}
	return output, nil
}

// Close closes the connection, if any.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func shellJoin(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>(){}[]*?!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
