package crypto

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// KeyFilePlaceholder is replaced in Exec argument templates by the path of a
// temporary file holding the key.
const KeyFilePlaceholder = "{keyfile}"

// ErrExecFailed is returned when the external tool exits non-zero or times out.
var ErrExecFailed = errors.New("external cipher failed")

// ExecConfig configures an external encryption tool. Plaintext is written to
// the tool's stdin and the result is read from stdout, so secret material is
// never placed on disk. The key is written to a 0600 temp file for the
// duration of the call because tools such as ansible-vault only accept keys
// from files.
type ExecConfig struct {
	EncryptArgs []string      `mapstructure:"encrypt_args" yaml:"encrypt_args"`
	DecryptArgs []string      `mapstructure:"decrypt_args" yaml:"decrypt_args"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// KeyEncoding is "hex" (default) or "raw".
	KeyEncoding string `mapstructure:"key_encoding" yaml:"key_encoding"`
	TempDir     string `mapstructure:"temp_dir" yaml:"temp_dir"`
}

// AnsibleVaultConfig drives ansible-vault through stdin/stdout.
func AnsibleVaultConfig() ExecConfig {
	return ExecConfig{
		EncryptArgs: []string{"ansible-vault", "encrypt", "--vault-password-file", KeyFilePlaceholder, "--output", "-", "/dev/stdin"},
		DecryptArgs: []string{"ansible-vault", "decrypt", "--vault-password-file", KeyFilePlaceholder, "--output", "-", "/dev/stdin"},
		Timeout:     30 * time.Second,
		KeyEncoding: "hex",
	}
}

// Exec is a Cipher backed by an external process.
type Exec struct {
	cfg ExecConfig
}

// NewExec validates cfg and returns an Exec cipher.
func NewExec(cfg ExecConfig) (*Exec, error) {
	if len(cfg.EncryptArgs) == 0 || len(cfg.DecryptArgs) == 0 {
		return nil, errors.New("exec cipher needs encrypt and decrypt commands")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KeyEncoding == "" {
		cfg.KeyEncoding = "hex"
	}
	if cfg.KeyEncoding != "hex" && cfg.KeyEncoding != "raw" {
		return nil, fmt.Errorf("unknown key encoding %q", cfg.KeyEncoding)
	}
	return &Exec{cfg: cfg}, nil
}

func (e *Exec) Name() string { return AlgExec + ":" + e.cfg.EncryptArgs[0] }

func (e *Exec) Encrypt(ctx context.Context, plaintext, key []byte) ([]byte, error) {
	return e.run(ctx, e.cfg.EncryptArgs, plaintext, key)
}

func (e *Exec) Decrypt(ctx context.Context, ciphertext, key []byte) ([]byte, error) {
	out, err := e.run(ctx, e.cfg.DecryptArgs, ciphertext, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return out, nil
}

func (e *Exec) run(ctx context.Context, tmpl []string, input, key []byte) ([]byte, error) {
	keyPath, cleanup, err := e.writeKeyFile(key)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = strings.ReplaceAll(a, KeyFilePlaceholder, keyPath)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrExecFailed, args[0], e.cfg.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s exited with status %d", ErrExecFailed, args[0], exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: %w", ErrExecFailed, err)
	}
	return stdout.Bytes(), nil
}

func (e *Exec) writeKeyFile(key []byte) (string, func(), error) {
	f, err := os.CreateTemp(e.cfg.TempDir, "lockr-key-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating key file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod key file: %w", err)
	}
	material := key
	if e.cfg.KeyEncoding == "hex" {
		material = []byte(hex.EncodeToString(key))
	}
	_, werr := f.Write(material)
	cerr := f.Close()
	if e.cfg.KeyEncoding == "hex" {
		Zero(material)
	}
	if werr != nil || cerr != nil {
		cleanup()
		return "", nil, fmt.Errorf("writing key file: %w", errors.Join(werr, cerr))
	}
	return path, cleanup, nil
}
