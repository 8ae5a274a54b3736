package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whisperwire/internal/db"
	"whisperwire/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var ErrInvalidKeyRecord = errors.New("invalid key record: user id and public key are required")

type keyRepository struct {
	mongoRepo *db.Repository[model.UserKeyRecord]
	logger    *zap.Logger
}

// KeyRepository persists published key material. One record per user;
// rotation archives the previous long-term key instead of deleting it.
type KeyRepository interface {
	Upsert(ctx context.Context, rec *model.UserKeyRecord) error
	Find(ctx context.Context, userID string) (*model.UserKeyRecord, error)
	MarkPreKeyUsed(ctx context.Context, userID, keyID string) (bool, error)
}

func NewKeyRepository(mongoRepo *db.Repository[model.UserKeyRecord], logger *zap.Logger) KeyRepository {
	return &keyRepository{
		mongoRepo: mongoRepo,
		logger:    logger,
	}
}

// Upsert registers or refreshes a user's key record. Re-registering the
// same long-term key only merges new prekeys; a changed long-term key
// archives the previous one first.
func (r *keyRepository) Upsert(ctx context.Context, rec *model.UserKeyRecord) error {
	if rec == nil || rec.UserID == "" || rec.PublicKey == "" {
		return ErrInvalidKeyRecord
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	existing, err := r.Find(ctx, rec.UserID)
	if err != nil {
		return err
	}

	if existing == nil {
		rec.CreatedAt = now
		rec.UpdatedAt = now
		for i := range rec.PreKeys {
			if rec.PreKeys[i].CreatedAt.IsZero() {
				rec.PreKeys[i].CreatedAt = now
			}
		}
		if _, err := r.mongoRepo.Create(ctx, *rec); err != nil {
			r.logger.Error("failed to create key record",
				zap.String("user_id", rec.UserID),
				zap.Error(err),
			)
			return fmt.Errorf("create key record: %w", err)
		}
		r.logger.Info("key record registered", zap.String("user_id", rec.UserID))
		return nil
	}

	filter := db.NewFilter().Eq("user_id", rec.UserID).Build()
	update := bson.M{"$set": bson.M{
		"public_key": rec.PublicKey,
		"updated_at": now,
	}}

	if existing.PublicKey != rec.PublicKey {
		// Rotation: keep the old key reachable for backward decryption.
		update["$push"] = bson.M{"archived_keys": model.ArchivedKey{
			PublicKey: existing.PublicKey,
			RotatedAt: now,
		}}
		r.logger.Info("long-term key rotated", zap.String("user_id", rec.UserID))
	}

	if fresh := newPreKeys(existing.PreKeys, rec.PreKeys, now); len(fresh) > 0 {
		update["$addToSet"] = bson.M{"pre_keys": bson.M{"$each": fresh}}
	}

	if _, err := r.mongoRepo.UpdateOne(ctx, filter, update); err != nil {
		r.logger.Error("failed to update key record",
			zap.String("user_id", rec.UserID),
			zap.Error(err),
		)
		return fmt.Errorf("update key record: %w", err)
	}
	return nil
}

// Find returns nil without error when the user never registered.
func (r *keyRepository) Find(ctx context.Context, userID string) (*model.UserKeyRecord, error) {
	if userID == "" {
		return nil, ErrInvalidKeyRecord
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("user_id", userID).Build()
	rec, err := r.mongoRepo.FindOne(ctx, filter)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find key record: %w", err)
	}
	return rec, nil
}

// MarkPreKeyUsed flips one unused prekey to used. The filter matches
// only unused entries, so concurrent consumers of the same key id
// cannot both succeed. Returns false when the key was already consumed.
func (r *keyRepository) MarkPreKeyUsed(ctx context.Context, userID, keyID string) (bool, error) {
	if userID == "" || keyID == "" {
		return false, ErrInvalidKeyRecord
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().
		Eq("user_id", userID).
		ElemMatch("pre_keys", bson.M{"key_id": keyID, "used": false}).
		Build()
	update := bson.M{"$set": bson.M{"pre_keys.$.used": true}}

	result, err := r.mongoRepo.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mark prekey used: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func newPreKeys(existing, incoming []model.PreKey, now time.Time) []model.PreKey {
	known := make(map[string]struct{}, len(existing))
	for _, pk := range existing {
		known[pk.KeyID] = struct{}{}
	}

	var fresh []model.PreKey
	for _, pk := range incoming {
		if _, dup := known[pk.KeyID]; dup {
			continue
		}
		if pk.CreatedAt.IsZero() {
			pk.CreatedAt = now
		}
		fresh = append(fresh, pk)
	}
	return fresh
}

func (r *keyRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
