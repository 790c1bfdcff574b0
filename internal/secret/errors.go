package secret

import (
	"errors"

	"github.com/org/lockr/internal/password"
)

var (
	// ErrNotFound is returned when no current pointer (or requested version)
	// exists for a key.
	ErrNotFound = errors.New("secret not found")

	// ErrVaultWrite is returned when a new version could not be committed.
	// The previous current version is left untouched.
	ErrVaultWrite = errors.New("vault write failed")

	// ErrCorruption is returned when stored data cannot be decrypted or the
	// current pointer references a version that does not exist.
	ErrCorruption = errors.New("secret data is corrupt")

	// ErrWeakRandomSource is returned when the secure random source fails.
	ErrWeakRandomSource = password.ErrWeakRandomSource

	// ErrInvalidArgument is returned for empty keys and unusable policies.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAuditUnavailable is returned when an operation could not be
	// audited. Retrievals withhold the plaintext; writes stay committed.
	ErrAuditUnavailable = errors.New("audit log unavailable")

	// ErrKeyUnavailable is returned when the vault key cannot be obtained,
	// typically because the vault is sealed.
	ErrKeyUnavailable = errors.New("vault key unavailable")
)

// Stable error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeVaultWrite       = "VAULT_WRITE"
	CodeCorruption       = "CORRUPTION"
	CodeWeakRandomSource = "WEAK_RANDOM_SOURCE"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeAuditUnavailable = "AUDIT_UNAVAILABLE"
	CodeKeyUnavailable   = "KEY_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

var codes = []struct {
	err         error
	code        string
	remediation []string
}{
	{ErrNotFound, CodeNotFound, []string{
		"Check the scope and principal spelling.",
		"Mint the credential first with `lockr secret mint <scope> <principal>`.",
	}},
	{ErrInvalidArgument, CodeInvalidArgument, []string{
		"Scope and principal must be non-empty.",
		"Password length must be at least the number of required character classes and at most 1024.",
	}},
	{ErrWeakRandomSource, CodeWeakRandomSource, []string{
		"The operating system random source failed; check /dev/urandom and the getrandom syscall.",
		"No credential was generated. Retry once the entropy source is healthy.",
	}},
	{ErrKeyUnavailable, CodeKeyUnavailable, []string{
		"Unseal the vault with `lockr operator unseal`.",
		"If a key file is configured, check that it exists and is readable.",
	}},
	{ErrAuditUnavailable, CodeAuditUnavailable, []string{
		"The audit log could not be written; check storage health and free space.",
		"Secrets are not released while auditing is unavailable.",
	}},
	{ErrCorruption, CodeCorruption, []string{
		"The stored version could not be decrypted with the current vault key.",
		"Check that the vault was unsealed with the correct shares or key file.",
		"Inspect history with `lockr secret history` and roll back to a readable version.",
	}},
	{ErrVaultWrite, CodeVaultWrite, []string{
		"The new version was not committed; the previous version remains current.",
		"Check storage health, permissions and free space, then retry.",
	}},
}

// Code maps an error returned by the vault to a stable code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Remediation returns operator guidance for an error returned by the vault.
func Remediation(err error) []string {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return append([]string(nil), c.remediation...)
		}
	}
	return []string{"Unexpected internal error; check the server log for details."}
}
