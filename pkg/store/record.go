package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/hirewire/sessiond/pkg/principal"
)

// ErrMalformed marks persisted session state that cannot be trusted: an
// unparsable principal blob, a sentinel value where data should be, or a
// principal missing its email. Callers purge immediately on this error.
var ErrMalformed = errors.New("malformed persisted session state")

// Key names in the durable store. The user kind predates the company kind
// and uses bare names plus an entityType marker; the company kind is fully
// prefixed. Preserved as-is for compatibility with existing stores.
const (
	userTokenKey   = "token"
	userBlobKey    = "user"
	userExpiryKey  = "tokenExpiration"
	entityTypeKey  = "entityType"
	entityTypeUser = "user"

	companyTokenKey  = "companyToken"
	companyBlobKey   = "company"
	companyExpiryKey = "companyTokenExpiration"
)

// Keys is the set of store keys belonging to one principal kind.
type Keys struct {
	Token     string
	Principal string
	Expiry    string
	// Marker is set only for the user kind (the legacy entityType key).
	Marker string
}

// KeysFor returns the key set for a kind.
func KeysFor(kind principal.Kind) Keys {
	if kind == principal.KindCompany {
		return Keys{
			Token:     companyTokenKey,
			Principal: companyBlobKey,
			Expiry:    companyExpiryKey,
		}
	}
	return Keys{
		Token:     userTokenKey,
		Principal: userBlobKey,
		Expiry:    userExpiryKey,
		Marker:    entityTypeKey,
	}
}

// All returns every key of the set, for purging.
func (k Keys) All() []string {
	keys := []string{k.Token, k.Principal, k.Expiry}
	if k.Marker != "" {
		keys = append(keys, k.Marker)
	}
	return keys
}

// Record is the persisted form of a session: token, principal blob, and
// expiry, for one kind.
type Record struct {
	Token     string
	Principal *principal.Principal
	ExpiresAt int64 // epoch milliseconds, 0 when unknown
}

// isAbsent reports whether a stored value must be treated as missing. The
// literal sentinel strings come from the original storage layer serializing
// null-ish values verbatim; they are never parse input.
func isAbsent(value string) bool {
	return value == "" || value == "undefined" || value == "null"
}

// ReadRecord loads the record of the given kind. It returns (nil, nil) when
// no credential of this kind is stored, and ErrMalformed when a token is
// present but its principal blob cannot be trusted. A corrupt or sentinel
// expiry is absence (ExpiresAt 0), not an error.
func ReadRecord(ctx context.Context, kv KV, kind principal.Kind) (*Record, error) {
	keys := KeysFor(kind)

	token, ok, err := kv.Get(ctx, keys.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored token: %w", err)
	}
	if !ok || isAbsent(token) {
		return nil, nil
	}

	blob, ok, err := kv.Get(ctx, keys.Principal)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored principal: %w", err)
	}
	if !ok || isAbsent(blob) {
		return nil, fmt.Errorf("%w: principal blob missing for stored token", ErrMalformed)
	}

	var p principal.Principal
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("%w: unparsable principal blob", ErrMalformed)
	}
	if !p.Usable() {
		return nil, fmt.Errorf("%w: stored principal missing email", ErrMalformed)
	}

	record := &Record{Token: token, Principal: &p}

	expiry, ok, err := kv.Get(ctx, keys.Expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored expiry: %w", err)
	}
	if ok && !isAbsent(expiry) {
		if ms, parseErr := strconv.ParseInt(expiry, 10, 64); parseErr == nil {
			record.ExpiresAt = ms
		}
		// Unparsable expiry is treated as absence, never as parse input.
	}

	return record, nil
}

// WriteRecord persists the record field-for-field: principal as a JSON blob,
// expiry as a numeric string, plus the user kind's entityType marker.
func WriteRecord(ctx context.Context, kv KV, kind principal.Kind, record *Record) error {
	if record == nil || record.Token == "" || !record.Principal.Usable() {
		return fmt.Errorf("refusing to persist incomplete session record")
	}

	keys := KeysFor(kind)

	blob, err := json.Marshal(record.Principal)
	if err != nil {
		return fmt.Errorf("failed to marshal principal: %w", err)
	}

	if err := kv.Set(ctx, keys.Token, record.Token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	if err := kv.Set(ctx, keys.Principal, string(blob)); err != nil {
		return fmt.Errorf("failed to persist principal: %w", err)
	}
	if record.ExpiresAt > 0 {
		if err := kv.Set(ctx, keys.Expiry, strconv.FormatInt(record.ExpiresAt, 10)); err != nil {
			return fmt.Errorf("failed to persist expiry: %w", err)
		}
	} else {
		if err := kv.Delete(ctx, keys.Expiry); err != nil {
			return fmt.Errorf("failed to clear expiry: %w", err)
		}
	}
	if keys.Marker != "" {
		if err := kv.Set(ctx, keys.Marker, entityTypeUser); err != nil {
			return fmt.Errorf("failed to persist entity type: %w", err)
		}
	}

	return nil
}

// Purge removes every persisted key of the kind.
func Purge(ctx context.Context, kv KV, kind principal.Kind) error {
	return kv.Delete(ctx, KeysFor(kind).All()...)
}

// HasCompanyCredential reports whether a company token is present in the
// store. The user manager consults this during bootstrap: company presence
// suppresses user bootstrap entirely for that run.
func HasCompanyCredential(ctx context.Context, kv KV) (bool, error) {
	token, ok, err := kv.Get(ctx, companyTokenKey)
	if err != nil {
		return false, fmt.Errorf("failed to probe company credential: %w", err)
	}
	return ok && !isAbsent(token), nil
}
