package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whisperwire/internal/convid"
	"whisperwire/internal/db"
	"whisperwire/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var ErrNotDirectConversation = errors.New("conversation id is not a direct id")

type conversationRepository struct {
	mongoRepo *db.Repository[model.Conversation]
	logger    *zap.Logger
}

// ConversationRepository maintains the conversation documents keyed by
// canonical id.
type ConversationRepository interface {
	Ensure(ctx context.Context, conversationID string) (*model.Conversation, error)
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	TouchLastMessage(ctx context.Context, conversationID string, last *model.LastMessage) error
	Deactivate(ctx context.Context, conversationID string) error
}

func NewConversationRepository(mongoRepo *db.Repository[model.Conversation], logger *zap.Logger) ConversationRepository {
	return &conversationRepository{
		mongoRepo: mongoRepo,
		logger:    logger,
	}
}

// Ensure upserts the canonical direct conversation document. Both
// participants race to create it on first message; the canonical _id
// makes the upsert converge on one document.
func (r *conversationRepository) Ensure(ctx context.Context, conversationID string) (*model.Conversation, error) {
	canonical := convid.Normalize(conversationID)
	a, b, ok := convid.ExtractParticipants(canonical)
	if !ok {
		return nil, ErrNotDirectConversation
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	filter := db.NewFilter().Eq("_id", canonical).Build()
	update := bson.M{
		"$set": bson.M{"updated_at": now},
		"$setOnInsert": bson.M{
			"type":            model.ConversationTypeDirect,
			"participant_ids": []string{a, b},
			"created_at":      now,
			"is_active":       true,
		},
	}

	if _, err := r.mongoRepo.Upsert(ctx, filter, update); err != nil {
		r.logger.Error("failed to ensure conversation",
			zap.String("conversation_id", canonical),
			zap.Error(err),
		)
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	return r.Get(ctx, canonical)
}

func (r *conversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, ErrInvalidChannelID
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("_id", convid.Normalize(conversationID)).Build()
	conversation, err := r.mongoRepo.FindOne(ctx, filter)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			r.logger.Debug("conversation not found",
				zap.String("conversation_id", conversationID),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}

	return conversation, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id cannot be empty")
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().
		Eq("participant_ids", userID).
		Eq("is_active", true).
		Build()

	return r.mongoRepo.FindAll(ctx, filter, bson.D{{Key: "updated_at", Value: -1}})
}

// TouchLastMessage updates the ciphertext preview and bump timestamp on
// every send.
func (r *conversationRepository) TouchLastMessage(ctx context.Context, conversationID string, last *model.LastMessage) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("_id", convid.Normalize(conversationID)).Build()
	update := bson.M{"$set": bson.M{
		"last_message": last,
		"updated_at":   time.Now().UTC(),
	}}

	if _, err := r.mongoRepo.UpdateOne(ctx, filter, update); err != nil {
		r.logger.Error("failed to update last message preview",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return fmt.Errorf("touch last message: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a conversation. Messages are never deleted.
func (r *conversationRepository) Deactivate(ctx context.Context, conversationID string) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("_id", convid.Normalize(conversationID)).Build()
	update := bson.M{"$set": bson.M{
		"is_active":  false,
		"updated_at": time.Now().UTC(),
	}}

	if _, err := r.mongoRepo.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
