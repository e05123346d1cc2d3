// ABOUTME: Persistent store of authorized public keys with a trust-state machine
// ABOUTME: One JSON file per key in a root-owned directory, live-reloadable

package whitelist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store errors.
var (
	ErrKeyNotFound          = errors.New("key not found in whitelist")
	ErrKeyExists            = errors.New("key already whitelisted")
	ErrNoPendingAttestation = errors.New("no pending attestation for key")
	ErrKeyRejected          = errors.New("key attestation was rejected")
)

// Whitelist is the in-memory view of the on-disk key directory. One instance
// is constructed at startup and shared by reference; it is never accessed
// through ambient globals.
type Whitelist struct {
	mu      sync.RWMutex
	dir     string
	logger  *slog.Logger
	entries map[string]*Entry
	// pending maps key_id to the time an authenticate run flagged the key
	// as requiring attestation. Cleared by attestation verification.
	pending map[string]time.Time
}

// New creates a whitelist backed by dir, creating the directory (0700) if
// needed, and loads all existing key files.
func New(dir string) (*Whitelist, error) {
	logger := slog.Default().With("component", "whitelist")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating whitelist directory: %w", err)
	}

	w := &Whitelist{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]*Entry),
		pending: make(map[string]time.Time),
	}

	if err := w.Reload(); err != nil {
		return nil, err
	}

	logger.Info("whitelist loaded", "dir", dir, "keys", w.Len())
	return w, nil
}

// Reload rescans the key directory and replaces the in-memory view. Files
// that fail to parse are skipped with a warning rather than failing the whole
// reload. Pending-attestation marks survive a reload as long as the key does.
func (w *Whitelist) Reload() error {
	names, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading whitelist directory: %w", err)
	}

	loaded := make(map[string]*Entry)
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(w.dir, de.Name())
		e, err := readEntryFile(path)
		if err != nil {
			w.logger.Warn("skipping unreadable key file", "path", path, "error", err)
			continue
		}
		loaded[e.KeyID] = e
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = loaded
	for id := range w.pending {
		if _, ok := loaded[id]; !ok {
			delete(w.pending, id)
		}
	}
	return nil
}

// readEntryFile parses a single key file. Unknown JSON fields are tolerated
// (ignored) so the format can grow without breaking older daemons.
func readEntryFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if e.KeyID == "" || len(e.PublicKey) == 0 {
		return nil, errors.New("key file missing key_id or public_key")
	}
	if got := KeyID(e.PublicKey); got != e.KeyID {
		return nil, fmt.Errorf("key_id %s does not match key material (computed %s)", e.KeyID, got)
	}
	return &e, nil
}

// persistLocked writes an entry to disk atomically (temp file + rename).
// Must be called with mu held.
func (w *Whitelist) persistLocked(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling key entry: %w", err)
	}

	path := filepath.Join(w.dir, e.KeyID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming key file: %w", err)
	}
	return nil
}

// Len returns the number of whitelisted keys.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Get returns a copy of the entry for keyID.
func (w *Whitelist) Get(keyID string) (Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[keyID]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return *e, nil
}

// List returns copies of all entries sorted by key id.
func (w *Whitelist) List() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// Candidates returns copies of the keys eligible to participate in signature
// matching, in ascending lexical key id order. The ordering is the tie-break
// for multiple simultaneously-valid keys and must stay deterministic.
func (w *Whitelist) Candidates() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.IsCandidate() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// HasUsableKey reports whether any key could satisfy a challenge right now.
// Used to refuse issuing challenges nobody can answer.
func (w *Whitelist) HasUsableKey() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, e := range w.entries {
		if e.IsCandidate() {
			return true
		}
	}
	return false
}

// Provision adds a new key. Status must be pending_attestation (normal
// hardware-backed provisioning) or legacy (pre-attestation import).
func (w *Whitelist) Provision(raw []byte, alg Algorithm, status TrustStatus) (Entry, error) {
	if status != TrustPendingAttestation && status != TrustLegacy {
		return Entry{}, fmt.Errorf("cannot provision key with status %q", status)
	}
	if err := validateKeyMaterial(raw, alg); err != nil {
		return Entry{}, err
	}

	e := &Entry{
		KeyID:       KeyID(raw),
		PublicKey:   raw,
		Algorithm:   alg,
		CreatedAt:   time.Now().UTC(),
		TrustStatus: status,
		IsActive:    true,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.entries[e.KeyID]; exists {
		return Entry{}, ErrKeyExists
	}
	if err := w.persistLocked(e); err != nil {
		return Entry{}, err
	}
	w.entries[e.KeyID] = e

	w.logger.Info("key provisioned", "key_id", e.KeyID, "algorithm", e.Algorithm, "status", e.TrustStatus)
	return *e, nil
}

// Revoke removes a key and deletes its file.
func (w *Whitelist) Revoke(keyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[keyID]; !ok {
		return ErrKeyNotFound
	}
	path := filepath.Join(w.dir, keyID+".json")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing key file: %w", err)
	}
	delete(w.entries, keyID)
	delete(w.pending, keyID)

	w.logger.Info("key revoked", "key_id", keyID)
	return nil
}

// MarkUsed updates last_used_at for a key and persists the change.
func (w *Whitelist) MarkUsed(keyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	now := time.Now().UTC()
	e.LastUsedAt = &now
	return w.persistLocked(e)
}

// MarkPendingAttestation records that a successful authenticate with keyID
// requires attestation before the key can become trusted.
func (w *Whitelist) MarkPendingAttestation(keyID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[keyID]; ok {
		w.pending[keyID] = time.Now().UTC()
	}
}

// HasPendingAttestation reports whether keyID has a recorded pending
// attestation.
func (w *Whitelist) HasPendingAttestation(keyID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.pending[keyID]
	return ok
}

// VerifyKeyAttestation validates an attestation chain for a key with a
// recorded pending attestation. Success transitions the key to trusted and
// persists the attestation metadata; any verification failure transitions it
// to rejected (terminal). The returned error is nil only on the trusted
// transition.
func (w *Whitelist) VerifyKeyAttestation(keyID string, chain [][]byte, req Requirements) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.pending[keyID]; !ok {
		return ErrNoPendingAttestation
	}
	e, ok := w.entries[keyID]
	if !ok {
		delete(w.pending, keyID)
		return ErrKeyNotFound
	}
	if e.TrustStatus != TrustPendingAttestation {
		// The pending mark should only ever exist for pending keys; treat
		// anything else as no pending attestation.
		delete(w.pending, keyID)
		return ErrNoPendingAttestation
	}

	result, err := verifyChain(chain, e, req)

	// One verification attempt per pending mark, either way.
	delete(w.pending, keyID)

	if err != nil {
		e.TrustStatus = TrustRejected
		e.Attestation = AttestationMetadata{Verified: false}
		if perr := w.persistLocked(e); perr != nil {
			w.logger.Error("failed to persist rejected key", "key_id", keyID, "error", perr)
		}
		w.logger.Warn("attestation rejected", "key_id", keyID, "error", err)
		return fmt.Errorf("%w: %w", ErrKeyRejected, err)
	}

	now := time.Now().UTC()
	e.TrustStatus = TrustTrusted
	e.Attestation = AttestationMetadata{
		Verified:        true,
		PackageName:     result.PackageName,
		SignatureDigest: result.SignatureDigest,
		SecurityLevel:   result.SecurityLevel,
		VerifiedAt:      &now,
	}
	if perr := w.persistLocked(e); perr != nil {
		w.logger.Error("failed to persist trusted key", "key_id", keyID, "error", perr)
	}

	w.logger.Info("attestation verified",
		"key_id", keyID,
		"package", result.PackageName,
		"security_level", result.SecurityLevel.String(),
	)
	return nil
}
