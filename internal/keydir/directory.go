// Package keydir is the key exchange directory: a per-user registry of
// one long-term X25519 public key plus rotating one-time prekeys,
// published at session bootstrap and looked up by peer id before any
// send is allowed.
package keydir

import (
	"context"
	"errors"

	"whisperwire/internal/crypto"
	"whisperwire/internal/model"

	"go.uber.org/zap"
)

var (
	// ErrKeyRegistration rejects unauthenticated registration attempts.
	ErrKeyRegistration = errors.New("keydir: registration requires an authenticated user")
	// ErrKeyNotFound means the peer never published a key. Callers must
	// block sending rather than fall back to plaintext.
	ErrKeyNotFound = errors.New("keydir: no published key for user")
)

// Store is the durable backing of the directory.
type Store interface {
	Upsert(ctx context.Context, rec *model.UserKeyRecord) error
	Find(ctx context.Context, userID string) (*model.UserKeyRecord, error)
	MarkPreKeyUsed(ctx context.Context, userID, keyID string) (bool, error)
}

// Cache is a read-through cache over key records. Implementations
// treat their own failures as misses; the directory never fails a
// lookup because the cache is down.
type Cache interface {
	Get(ctx context.Context, userID string) (*model.UserKeyRecord, bool)
	Set(ctx context.Context, userID string, rec *model.UserKeyRecord)
	Invalidate(ctx context.Context, userID string)
}

// Directory serves key publication and lookup.
type Directory struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

func New(store Store, cache Cache, logger *zap.Logger) *Directory {
	return &Directory{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// RegisterPublicKey publishes a user's long-term public key and any new
// prekeys. Idempotent: re-registering the same material is a no-op at
// the store level.
func (d *Directory) RegisterPublicKey(ctx context.Context, userID string, publicKey crypto.PublicKey, preKeys []model.PreKey) error {
	if userID == "" {
		return ErrKeyRegistration
	}

	rec := &model.UserKeyRecord{
		UserID:    userID,
		PublicKey: publicKey.Encode(),
		PreKeys:   preKeys,
	}
	if err := d.store.Upsert(ctx, rec); err != nil {
		return err
	}

	d.cache.Invalidate(ctx, userID)
	return nil
}

// GetPublicKey returns the peer's current long-term public key, served
// from cache within its TTL. ErrKeyNotFound when the peer never
// registered.
func (d *Directory) GetPublicKey(ctx context.Context, userID string) (crypto.PublicKey, error) {
	rec, err := d.record(ctx, userID)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	return crypto.DecodePublicKey(rec.PublicKey)
}

// ConsumePreKey marks one unused prekey as used and returns it.
// Best-effort: exhaustion or any store trouble degrades to
// long-term-key-only encryption, signalled by ok=false, never an error.
func (d *Directory) ConsumePreKey(ctx context.Context, userID string) (model.PreKey, bool) {
	rec, err := d.record(ctx, userID)
	if err != nil {
		return model.PreKey{}, false
	}

	for _, pk := range rec.PreKeys {
		if pk.Used {
			continue
		}
		claimed, err := d.store.MarkPreKeyUsed(ctx, userID, pk.KeyID)
		if err != nil {
			d.logger.Warn("prekey consume failed, degrading to long-term key",
				zap.String("user_id", userID),
				zap.String("key_id", pk.KeyID),
				zap.Error(err),
			)
			return model.PreKey{}, false
		}
		if !claimed {
			// Lost the race for this key id; try the next one.
			continue
		}

		d.cache.Invalidate(ctx, userID)
		return pk, true
	}

	d.logger.Debug("prekeys exhausted", zap.String("user_id", userID))
	return model.PreKey{}, false
}

func (d *Directory) record(ctx context.Context, userID string) (*model.UserKeyRecord, error) {
	if userID == "" {
		return nil, ErrKeyNotFound
	}

	if rec, ok := d.cache.Get(ctx, userID); ok {
		return rec, nil
	}

	rec, err := d.store.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}

	d.cache.Set(ctx, userID, rec)
	return rec, nil
}
