package models

import "time"

// SecretKey identifies a secret: the target system (scope) and the account on it (principal).
type SecretKey struct {
	Scope     string `json:"scope"`
	Principal string `json:"principal"`
}

// String renders the key as principal@scope.
func (k SecretKey) String() string {
	return k.Principal + "@" + k.Scope
}

// Less orders keys by scope, then principal.
func (k SecretKey) Less(o SecretKey) bool {
	if k.Scope != o.Scope {
		return k.Scope < o.Scope
	}
	return k.Principal < o.Principal
}

// CipherParams records how a version's ciphertext was produced.
type CipherParams struct {
	Algorithm  string `json:"algorithm"`
	KeyContext string `json:"key_context,omitempty"`
}

// SecretVersion stores one immutable, encrypted version of a secret.
type SecretVersion struct {
	Scope        string       `json:"scope"`
	Principal    string       `json:"principal"`
	VersionID    int          `json:"version_id"`
	CreatedAt    time.Time    `json:"created_at"`
	Ciphertext   []byte       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipher_params"`
}

// Key returns the secret key this version belongs to.
func (v *SecretVersion) Key() SecretKey {
	return SecretKey{Scope: v.Scope, Principal: v.Principal}
}

// CurrentPointer marks which version of a secret is active.
type CurrentPointer struct {
	Scope     string    `json:"scope"`
	Principal string    `json:"principal"`
	VersionID int       `json:"version_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretSummary is one row of a secret listing. LastUpdated is the creation
// time of the version the pointer references.
type SecretSummary struct {
	Scope       string    `json:"scope"`
	Principal   string    `json:"principal"`
	VersionID   int       `json:"version_id"`
	LastUpdated time.Time `json:"last_updated"`
}

// Key returns the secret key of the summary.
func (s SecretSummary) Key() SecretKey {
	return SecretKey{Scope: s.Scope, Principal: s.Principal}
}

// VersionInfo is a lightweight summary of one version in history listings.
type VersionInfo struct {
	VersionID int       `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
	Algorithm string    `json:"algorithm"`
	Current   bool      `json:"current"`
}

// InitData holds the key-lifecycle state persisted at vault init.
// The vault key and its shares are never stored, only a check blob.
type InitData struct {
	KeyCheck      []byte    `json:"key_check"`
	Algorithm     string    `json:"algorithm"`
	Shares        int       `json:"shares"`
	Threshold     int       `json:"threshold"`
	InitializedAt time.Time `json:"initialized_at"`
}
