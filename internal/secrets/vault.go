// Package secrets provides an encrypted per-tenant credential vault.
//
// Credentials (LLM API keys, webhook tokens) are encrypted at rest with
// NaCl secretbox and stored in SQLite, keyed by tenant and name. A lookup
// for a tenant-scoped credential falls back to the operator-level entry of
// the same name, so tenants without their own key share the operator's.
// Every access is logged to an audit table.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/relaycrm/relay/internal/cryptoutil"
	relayotel "github.com/relaycrm/relay/internal/otel"
)

var (
	// ErrSecretNotFound is returned when neither a tenant-scoped nor an
	// operator-level credential exists under the name.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrInvalidVaultKey is returned when the vault key is not exactly
	// 32 bytes.
	ErrInvalidVaultKey = errors.New("invalid vault key")
	// ErrDecryptFailed is returned when a stored ciphertext does not open,
	// usually because the vault key changed.
	ErrDecryptFailed = errors.New("secret decryption failed")
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/secrets")

// OperatorScope is the tenant ID under which operator-level credentials are
// stored. Tenant lookups fall back to it.
const OperatorScope = ""

// Vault manages encrypted per-tenant credentials.
type Vault struct {
	db  *sql.DB
	key [32]byte
}

// Metadata is the public view of a stored credential (no plaintext value).
type Metadata struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// AccessRecord is a single vault access audit entry.
type AccessRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Found     bool      `json:"found"`
	Fallback  bool      `json:"fallback"` // served from the operator scope
}

const vaultSchema = `
CREATE TABLE IF NOT EXISTS vault_secrets (
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    sealed_value TEXT NOT NULL,
    nonce TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    accessed_at TIMESTAMP,
    access_count INTEGER DEFAULT 0,
    PRIMARY KEY (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS vault_access_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    found BOOLEAN NOT NULL,
    fallback BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vault_access_tenant ON vault_access_log(tenant_id, timestamp);
`

// NewVault opens the vault. Key must be exactly 32 raw bytes or 64 hex
// characters.
func NewVault(dbPath, key string) (*Vault, error) {
	keyBytes, err := resolveVaultKey(key)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), vaultSchema); err != nil {
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	v := &Vault{db: db}
	copy(v.key[:], keyBytes)
	return v, nil
}

func resolveVaultKey(key string) ([]byte, error) {
	if len(key) == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("vault key hex must decode to 32 bytes: %w", ErrInvalidVaultKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("vault key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidVaultKey)
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores an encrypted credential. Upserts on conflict. Use
// OperatorScope as tenantID for operator-level entries.
func (v *Vault) Set(ctx context.Context, tenantID, name string, value []byte) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("secret.name", name),
		))
	defer span.End()

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, value, &nonce, &v.key)

	query := `
		INSERT INTO vault_secrets (tenant_id, name, sealed_value, nonce, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET
			sealed_value = excluded.sealed_value,
			nonce = excluded.nonce
	`
	_, err := v.db.ExecContext(ctx, query, tenantID, name,
		base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce[:]),
		time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// Get retrieves and decrypts a tenant's credential, falling back to the
// operator-level entry when the tenant has none. The access is logged
// either way.
func (v *Vault) Get(ctx context.Context, tenantID, name string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("secret.name", name),
		))
	defer span.End()

	scope := tenantID
	sealedB64, nonceB64, err := v.lookup(ctx, tenantID, name)
	fallback := false
	if err == sql.ErrNoRows && tenantID != OperatorScope {
		scope = OperatorScope
		fallback = true
		sealedB64, nonceB64, err = v.lookup(ctx, OperatorScope, name)
	}
	if err == sql.ErrNoRows {
		v.logAccess(ctx, tenantID, name, false, false)
		return nil, ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying secret: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonceBytes) != 24 {
		return nil, fmt.Errorf("decoding nonce: %w", ErrDecryptFailed)
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &v.key)
	if !ok {
		span.SetAttributes(attribute.Bool("secret.decrypt_failed", true))
		return nil, fmt.Errorf("opening secret %s: %w", name, ErrDecryptFailed)
	}

	_, _ = v.db.ExecContext(ctx,
		`UPDATE vault_secrets SET accessed_at = ?, access_count = access_count + 1
		 WHERE tenant_id = ? AND name = ?`,
		time.Now().UTC(), scope, name)
	v.logAccess(ctx, tenantID, name, true, fallback)

	return plaintext, nil
}

func (v *Vault) lookup(ctx context.Context, tenantID, name string) (sealed, nonce string, err error) {
	err = v.db.QueryRowContext(ctx,
		`SELECT sealed_value, nonce FROM vault_secrets WHERE tenant_id = ? AND name = ?`,
		tenantID, name).Scan(&sealed, &nonce)
	return sealed, nonce, err
}

// Delete removes a credential. Deleting a missing entry is not an error.
func (v *Vault) Delete(ctx context.Context, tenantID, name string) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}

// List returns metadata for a tenant's credentials (values are NOT included).
func (v *Vault) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	ctx, span := tracer.Start(ctx, "secrets.list",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	rows, err := v.db.QueryContext(ctx,
		`SELECT tenant_id, name, created_at, accessed_at, access_count
		 FROM vault_secrets WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer rows.Close()

	var results []Metadata
	for rows.Next() {
		var m Metadata
		var accessedAt sql.NullTime
		if err := rows.Scan(&m.TenantID, &m.Name, &m.CreatedAt, &accessedAt, &m.AccessCount); err != nil {
			continue
		}
		m.AccessedAt = accessedAt.Time
		results = append(results, m)
	}
	return results, rows.Err()
}

// Rotate re-encrypts an existing credential with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, tenantID, name string) error {
	ctx, span := tracer.Start(ctx, "secrets.rotate",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("secret.name", name),
		))
	defer span.End()

	sealedB64, nonceB64, err := v.lookup(ctx, tenantID, name)
	if err == sql.ErrNoRows {
		return ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("querying secret: %w", err)
	}

	sealed, _ := base64.StdEncoding.DecodeString(sealedB64)
	nonceBytes, _ := base64.StdEncoding.DecodeString(nonceB64)
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &v.key)
	if !ok {
		return fmt.Errorf("opening secret %s for rotation: %w", name, ErrDecryptFailed)
	}
	return v.Set(ctx, tenantID, name, plaintext)
}

func (v *Vault) logAccess(ctx context.Context, tenantID, name string, found, fallback bool) {
	_, _ = v.db.ExecContext(ctx,
		`INSERT INTO vault_access_log (id, tenant_id, name, timestamp, found, fallback)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), tenantID, name, time.Now().UTC(), found, fallback)
}

// AccessLog returns a tenant's vault access records, newest first.
// Limit <= 0 means no limit.
func (v *Vault) AccessLog(ctx context.Context, tenantID string, limit int) ([]AccessRecord, error) {
	query := `SELECT id, tenant_id, name, timestamp, found, fallback
	          FROM vault_access_log WHERE tenant_id = ? ORDER BY timestamp DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vault access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Timestamp, &r.Found, &r.Fallback); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
