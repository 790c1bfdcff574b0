package secret

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/password"
	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultListPageSize is used when Config.ListPageSize is not positive.
const DefaultListPageSize = 100

// auditTimeout bounds an audit append once it is detached from the caller.
const auditTimeout = 10 * time.Second

// Config holds vault settings. There are no package-level defaults beyond
// DefaultConfig; every Vault carries its own copy.
type Config struct {
	// PasswordLength is used when a caller asks for length 0.
	PasswordLength int `mapstructure:"password_length"`
	// Policy is used when a caller passes a nil policy.
	Policy password.Policy `mapstructure:"policy"`
	// ListPageSize bounds how many pointers ListSecrets fetches per backend call.
	ListPageSize int `mapstructure:"list_page_size"`
	// KeyContext is recorded with every version to identify the key in use.
	KeyContext string `mapstructure:"key_context"`
}

// DefaultConfig returns the default vault settings.
func DefaultConfig() Config {
	return Config{
		PasswordLength: password.DefaultLength,
		Policy:         password.DefaultPolicy(),
		ListPageSize:   DefaultListPageSize,
		KeyContext:     "lockr-vault-v1",
	}
}

// KeyProvider supplies the vault key at call time. Callers zero the
// returned slice after use.
type KeyProvider interface {
	VaultKey(ctx context.Context) ([]byte, error)
}

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
}

// Vault stores generated credentials as immutable encrypted versions with
// an atomically swapped current pointer per (scope, principal).
type Vault struct {
	cfg     Config
	store   storage.Backend
	cipher  crypto.Cipher
	keys    KeyProvider
	auditor Auditor
	gen     *password.Generator
	locks   *storage.KeyLocks
	log     zerolog.Logger
	now     func() time.Time
}

// NewVault creates a Vault. gen may be nil to use crypto/rand.
func NewVault(cfg Config, store storage.Backend, cipher crypto.Cipher, keys KeyProvider, auditor Auditor, gen *password.Generator) *Vault {
	if cfg.PasswordLength == 0 {
		cfg.PasswordLength = password.DefaultLength
	}
	if len(cfg.Policy.Classes) == 0 {
		cfg.Policy = password.DefaultPolicy()
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = DefaultListPageSize
	}
	if gen == nil {
		gen = password.NewGenerator()
	}
	return &Vault{
		cfg:     cfg,
		store:   store,
		cipher:  cipher,
		keys:    keys,
		auditor: auditor,
		gen:     gen,
		locks:   storage.NewKeyLocks(),
		log:     log.With().Str("component", "vault").Logger(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// MintAndStore generates a password for (scope, principal), stores it as
// the next version and makes it current. Minting over an existing key is
// allowed and appends to its history. The caller owns the returned
// plaintext and should zero it after use.
//
// If the version was committed but its audit entry could not be appended,
// the version and plaintext are returned together with an error wrapping
// ErrAuditUnavailable.
func (v *Vault) MintAndStore(ctx context.Context, actor, scope, principal string, length int, policy *password.Policy) (*models.SecretVersion, []byte, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	ver, plain, err := v.mint(ctx, key, length, policy, false)
	err = v.finish(ctx, "mint", actor, models.ActionCreate, key, ver, err)
	return ver, plain, err
}

// RetrieveCurrent decrypts and returns the current version's plaintext.
// The caller owns the returned slice and should zero it after use.
func (v *Vault) RetrieveCurrent(ctx context.Context, actor, scope, principal string) ([]byte, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	plain, ver, err := v.retrieveCurrent(ctx, key)
	return v.release(ctx, actor, key, ver, plain, err)
}

// RetrieveVersion decrypts a specific historical version.
func (v *Vault) RetrieveVersion(ctx context.Context, actor, scope, principal string, versionID int) ([]byte, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	var ver *models.SecretVersion
	plain, err := func() ([]byte, error) {
		if err := validateKey(key); err != nil {
			return nil, err
		}
		sv, err := v.store.ReadVersion(ctx, key, versionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, key, versionID)
			}
			return nil, fmt.Errorf("reading version: %w", err)
		}
		ver = sv
		return v.decrypt(ctx, sv)
	}()
	return v.release(ctx, actor, key, ver, plain, err)
}

// release audits a retrieval and hands out plaintext only if the success
// entry was recorded.
func (v *Vault) release(ctx context.Context, actor string, key models.SecretKey, ver *models.SecretVersion, plain []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, v.finish(ctx, "retrieve", actor, models.ActionRetrieve, key, ver, err)
	}
	if aerr := v.record(ctx, actor, models.ActionRetrieve, key, nil); aerr != nil {
		crypto.Zero(plain)
		err = fmt.Errorf("%w: %w", ErrAuditUnavailable, aerr)
		observe("retrieve", err)
		return nil, err
	}
	observe("retrieve", nil)
	v.log.Debug().Str("scope", key.Scope).Str("principal", key.Principal).Int("version", ver.VersionID).Msg("secret retrieved")
	return plain, nil
}

// ListSecrets yields one summary per secret in (scope, principal) order.
// Pages are fetched lazily; ranging over the sequence again restarts from
// the beginning. A backend error is yielded once and ends the sequence.
func (v *Vault) ListSecrets(ctx context.Context) iter.Seq2[models.SecretSummary, error] {
	return func(yield func(models.SecretSummary, error) bool) {
		var after *models.SecretKey
		for {
			page, err := v.store.ListPointers(ctx, after, v.cfg.ListPageSize)
			if err != nil {
				yield(models.SecretSummary{}, fmt.Errorf("listing secrets: %w", err))
				return
			}
			for _, s := range page {
				if !yield(s, nil) {
					return
				}
			}
			if len(page) < v.cfg.ListPageSize {
				return
			}
			last := page[len(page)-1].Key()
			after = &last
		}
	}
}

// History lists every version of a secret, oldest first.
func (v *Vault) History(ctx context.Context, scope, principal string) ([]models.VersionInfo, error) {
	key := models.SecretKey{Scope: scope, Principal: principal}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	infos, err := v.store.ListVersions(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return infos, nil
}

// mint generates and commits a new version. With requireExisting the key
// must already have a current pointer.
func (v *Vault) mint(ctx context.Context, key models.SecretKey, length int, policy *password.Policy, requireExisting bool) (*models.SecretVersion, []byte, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	p := v.cfg.Policy
	if policy != nil {
		p = *policy
	}
	if length == 0 {
		length = v.cfg.PasswordLength
	}

	unlock := v.locks.Lock(key)
	defer unlock()

	current, err := v.currentID(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if requireExisting && current == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	plain, err := v.gen.Generate(length, p)
	if err != nil {
		if errors.Is(err, password.ErrInvalidPolicy) {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return nil, nil, err
	}
	ver, err := v.commit(ctx, key, current, plain)
	if err != nil {
		crypto.Zero(plain)
		return nil, nil, err
	}
	return ver, plain, nil
}

// commit encrypts plain and appends it as the version after expectCurrent.
// The caller holds the key lock.
func (v *Vault) commit(ctx context.Context, key models.SecretKey, expectCurrent int, plain []byte) (*models.SecretVersion, error) {
	vk, err := v.vaultKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(vk)

	ct, err := v.cipher.Encrypt(ctx, plain, vk)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypting: %w", ErrVaultWrite, err)
	}
	ver := &models.SecretVersion{
		Scope:      key.Scope,
		Principal:  key.Principal,
		CreatedAt:  v.now(),
		Ciphertext: ct,
		CipherParams: models.CipherParams{
			Algorithm:  v.cipher.Name(),
			KeyContext: v.cfg.KeyContext,
		},
	}
	if err := v.store.CommitVersion(ctx, ver, expectCurrent); err != nil {
		return nil, fmt.Errorf("%w: committing %s: %w", ErrVaultWrite, key, err)
	}
	return ver, nil
}

func (v *Vault) retrieveCurrent(ctx context.Context, key models.SecretKey) ([]byte, *models.SecretVersion, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	ptr, err := v.store.ReadPointer(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("reading pointer: %w", err)
	}
	sv, err := v.store.ReadVersion(ctx, key, ptr.VersionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s points at missing version %d", ErrCorruption, key, ptr.VersionID)
		}
		return nil, nil, fmt.Errorf("reading version: %w", err)
	}
	plain, err := v.decrypt(ctx, sv)
	return plain, sv, err
}

func (v *Vault) decrypt(ctx context.Context, sv *models.SecretVersion) ([]byte, error) {
	c, err := v.cipherFor(sv.CipherParams.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s version %d: %w", ErrCorruption, sv.Key(), sv.VersionID, err)
	}
	vk, err := v.vaultKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(vk)
	plain, err := c.Decrypt(ctx, sv.Ciphertext, vk)
	if err != nil {
		return nil, fmt.Errorf("%w: %s version %d: %w", ErrCorruption, sv.Key(), sv.VersionID, err)
	}
	return plain, nil
}

// cipherFor returns the configured cipher, or a built-in one for versions
// written under a different algorithm.
func (v *Vault) cipherFor(alg string) (crypto.Cipher, error) {
	if alg == v.cipher.Name() {
		return v.cipher, nil
	}
	return crypto.New(alg)
}

func (v *Vault) vaultKey(ctx context.Context) ([]byte, error) {
	k, err := v.keys.VaultKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return k, nil
}

func (v *Vault) currentID(ctx context.Context, key models.SecretKey) (int, error) {
	ptr, err := v.store.ReadPointer(ctx, key)
	switch {
	case err == nil:
		return ptr.VersionID, nil
	case errors.Is(err, storage.ErrNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: reading pointer: %w", ErrVaultWrite, err)
	}
}

// finish audits a write or failed read, then records metrics and logs.
// A committed write whose audit entry is lost turns into an
// ErrAuditUnavailable error; the version stays committed.
func (v *Vault) finish(ctx context.Context, op, actor, action string, key models.SecretKey, ver *models.SecretVersion, err error) error {
	if aerr := v.record(ctx, actor, action, key, err); aerr != nil {
		v.log.Error().Err(aerr).Str("op", op).Str("scope", key.Scope).Str("principal", key.Principal).Msg("audit entry lost")
		if err == nil && ver != nil {
			err = fmt.Errorf("%w: %s version %d committed without audit entry: %w", ErrAuditUnavailable, key, ver.VersionID, aerr)
		}
	}
	observe(op, err)
	switch {
	case err != nil:
		v.log.Warn().Err(err).Str("op", op).Str("scope", key.Scope).Str("principal", key.Principal).
			Str("code", Code(err)).Msg("vault operation failed")
	case ver != nil:
		v.log.Info().Str("op", op).Str("scope", key.Scope).Str("principal", key.Principal).
			Int("version", ver.VersionID).Msg("version committed")
	}
	return err
}

// record appends an audit entry. The append is not cancelled with ctx so
// a dropped client cannot suppress the entry for work already done.
func (v *Vault) record(ctx context.Context, actor, action string, key models.SecretKey, err error) error {
	e := &models.AuditEntry{
		Actor:     actor,
		Action:    action,
		Scope:     key.Scope,
		Principal: key.Principal,
		Outcome:   models.OutcomeSuccess,
	}
	if err != nil {
		e.Outcome = models.OutcomeFailure
		e.Code = Code(err)
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	return v.auditor.Record(actx, e)
}

func validateKey(key models.SecretKey) error {
	if key.Scope == "" || key.Principal == "" {
		return fmt.Errorf("%w: scope and principal are required", ErrInvalidArgument)
	}
	return nil
}
