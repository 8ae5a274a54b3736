package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whisperwire/internal/db"
	"whisperwire/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrInvalidMessage     = errors.New("invalid message: message cannot be nil")
	ErrInvalidChannelID   = errors.New("invalid conversation ID: cannot be empty")
	ErrOperationTimeout   = errors.New("operation timeout exceeded")
)

const (
	// Timeouts
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	// Retry configuration
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	historyPageSize = 50
)

type messageRepository struct {
	con       *mongo.Database
	mongoRepo *db.Repository[model.Message]
	logger    *zap.Logger

	// for idempotency - track in-flight appends
	inFlightOps     map[string]struct{}
	inFlightOpsLock sync.Mutex
}

// MessageRepository is the durable conversation log. Append order is
// server-assigned; the log is the sole source of truth for
// cross-session history.
type MessageRepository interface {
	Append(ctx context.Context, msg *model.Message) (string, error)
	History(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error)
	AddDeliveredTo(ctx context.Context, messageID, userID string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error
	Stream(ctx context.Context, conversationID string) (<-chan model.Message, error)
}

func NewMessageRepository(con *mongo.Database, mongoRepo *db.Repository[model.Message], logger *zap.Logger) MessageRepository {
	return &messageRepository{
		con:         con,
		mongoRepo:   mongoRepo,
		logger:      logger,
		inFlightOps: make(map[string]struct{}),
	}
}

// -----------------------------------------------------------------------------
// Append - authoritative write of the dual-path send
// -----------------------------------------------------------------------------

// Append inserts a message with a server-assigned timestamp. A send is
// terminally failed only when this write fails; realtime emission is
// advisory. Duplicate message ids are absorbed so replays on the same
// logical send stay idempotent.
func (m *messageRepository) Append(ctx context.Context, msg *model.Message) (string, error) {
	if err := m.validateMessage(msg); err != nil {
		return "", err
	}

	if !m.tryAcquireInFlight(msg.MessageID) {
		return "", fmt.Errorf("duplicate append in progress: %s", msg.MessageID)
	}
	defer m.releaseInFlight(msg.MessageID)

	ctx, cancel := m.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("message_id", msg.MessageID).Build()
	exists, err := m.mongoRepo.Exists(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("existence check failed: %w", err)
	}
	if exists {
		m.logger.Debug("message already appended", zap.String("message_id", msg.MessageID))
		return msg.MessageID, nil
	}

	// Ordering follows the store's append time, never the client clock.
	msg.CreatedAt = time.Now().UTC()
	if msg.DeliveredTo == nil {
		msg.DeliveredTo = []string{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return "", err
			}
		}

		result, err := m.mongoRepo.Create(ctx, *msg)
		if err == nil {
			insertedID := ""
			if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
				insertedID = oid.Hex()
			}

			m.logger.Info("message appended",
				zap.String("message_id", msg.MessageID),
				zap.String("inserted_id", insertedID),
				zap.String("conversation_id", msg.ConversationID),
				zap.Int("attempt", attempt+1),
			)
			return msg.MessageID, nil
		}

		lastErr = err
		if !m.isRetryableError(err) {
			break
		}

		m.logger.Warn("append attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	m.logger.Error("failed to append message after all retries",
		zap.Error(lastErr),
		zap.String("conversation_id", msg.ConversationID),
	)

	return "", fmt.Errorf("append message failed: %w", lastErr)
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (m *messageRepository) History(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error) {
	if conversationID == "" {
		return nil, ErrInvalidChannelID
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("conversation_id", conversationID).Build()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
		}

		result, err := m.mongoRepo.FindWithPagination(ctx, filter, db.PaginationParams{
			Page:     page,
			PageSize: historyPageSize,
			SortBy:   "created_at",
			SortDesc: false,
		})
		if err == nil {
			m.logger.Debug("history page read",
				zap.String("conversation_id", conversationID),
				zap.Int("count", len(result.Data)),
				zap.Int64("page", result.Page),
			)
			return result, nil
		}

		lastErr = err
		if !m.isRetryableError(err) {
			break
		}
	}

	return nil, m.handleReadError(lastErr, conversationID)
}

// -----------------------------------------------------------------------------
// Receipts - append-only set growth via $addToSet
// -----------------------------------------------------------------------------

// AddDeliveredTo records a delivery acknowledgement. $addToSet keeps
// the operation idempotent under receipt replays.
func (m *messageRepository) AddDeliveredTo(ctx context.Context, messageID, userID string) error {
	if messageID == "" || userID == "" {
		return ErrInvalidMessage
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("message_id", messageID).Build()
	_, err := m.mongoRepo.UpdateOne(ctx, filter, bson.M{"$addToSet": bson.M{"delivered_to": userID}})
	if err != nil {
		m.logger.Error("failed to record delivery receipt",
			zap.String("message_id", messageID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return fmt.Errorf("add delivered receipt: %w", err)
	}
	return nil
}

// MarkRead records a batched read receipt for a list of message ids.
func (m *messageRepository) MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error {
	if conversationID == "" {
		return ErrInvalidChannelID
	}
	if len(messageIDs) == 0 || userID == "" {
		return nil
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().
		Eq("conversation_id", conversationID).
		In("message_id", messageIDs).
		Build()

	result, err := m.mongoRepo.UpdateMany(ctx, filter, bson.M{"$addToSet": bson.M{"read_by": userID}})
	if err != nil {
		m.logger.Error("failed to record read receipts",
			zap.String("conversation_id", conversationID),
			zap.Int("message_count", len(messageIDs)),
			zap.Error(err),
		)
		return fmt.Errorf("mark read: %w", err)
	}

	m.logger.Debug("read receipts recorded",
		zap.String("conversation_id", conversationID),
		zap.Int64("matched", result.MatchedCount),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Stream - live subscription used by store-only fallback mode
// -----------------------------------------------------------------------------

// Stream opens a change-stream subscription over one conversation's
// inserts. The channel closes when the context is cancelled or the
// stream errors; consumers resume by reopening.
func (m *messageRepository) Stream(ctx context.Context, conversationID string) (<-chan model.Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidChannelID
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":                "insert",
			"fullDocument.conversation_id": conversationID,
		}}},
	}

	stream, err := m.mongoRepo.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("open message stream: %w", err)
	}

	out := make(chan model.Message, 64)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var change struct {
				FullDocument model.Message `bson:"fullDocument"`
			}
			if err := stream.Decode(&change); err != nil {
				m.logger.Warn("failed to decode change event",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
				continue
			}

			select {
			case out <- change.FullDocument:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("message stream terminated",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()

	return out, nil
}

// -----------------------------------------------------------------------------
// Private Helper Methods
// -----------------------------------------------------------------------------

func (m *messageRepository) tryAcquireInFlight(key string) bool {
	m.inFlightOpsLock.Lock()
	defer m.inFlightOpsLock.Unlock()

	if _, exists := m.inFlightOps[key]; exists {
		return false
	}
	m.inFlightOps[key] = struct{}{}
	return true
}

func (m *messageRepository) releaseInFlight(key string) {
	m.inFlightOpsLock.Lock()
	defer m.inFlightOpsLock.Unlock()
	delete(m.inFlightOps, key)
}

func (m *messageRepository) validateMessage(msg *model.Message) error {
	if msg == nil || msg.MessageID == "" {
		return ErrInvalidMessage
	}
	if msg.ConversationID == "" {
		return ErrInvalidChannelID
	}
	return nil
}

func (m *messageRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *messageRepository) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *messageRepository) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}

	return false
}

func (m *messageRepository) handleReadError(err error, conversationID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		m.logger.Error("read timeout", zap.String("conversation_id", conversationID))
		return ErrOperationTimeout
	}

	if errors.Is(err, context.Canceled) {
		m.logger.Debug("read cancelled", zap.String("conversation_id", conversationID))
		return err
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil // Not an error, just empty result
	}

	m.logger.Error("read failed", zap.Error(err), zap.String("conversation_id", conversationID))
	return fmt.Errorf("read history failed: %w", err)
}
