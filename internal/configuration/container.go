package configuration

import (
	"context"
	"fmt"
	"log"
	"time"

	"whisperwire/internal/auth"
	"whisperwire/internal/db"
	"whisperwire/internal/handler"
	"whisperwire/internal/hub"
	"whisperwire/internal/keydir"
	"whisperwire/internal/model"
	"whisperwire/internal/presence"
	"whisperwire/internal/repo"
	"whisperwire/internal/service"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type Container struct {
	KeyHandler          handler.KeyHandler
	ConversationHandler handler.ConversationHandler
	Hub                 *hub.Hub
	Verifier            auth.Verifier
	Config              Config
	Logger              *zap.Logger

	// private - for cleanup
	mongoClient *mongo.Database
	redisClient *redis.Client
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	con, err := db.OpenConnection(config.ChatDatabase.Uri, config.ChatDatabase.Database)
	if err != nil {
		return nil, err
	}

	logger, _ := zap.NewProduction()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Cache.Addr,
		Password: config.Cache.Password,
		DB:       config.Cache.DB,
	})

	messageMongoRepo := db.NewRepository[model.Message](con, config.ChatDatabase.MessagesCollection)
	conversationMongoRepo := db.NewRepository[model.Conversation](con, config.ChatDatabase.ConversationsCollection)
	keyMongoRepo := db.NewRepository[model.UserKeyRecord](con, config.ChatDatabase.KeysCollection)

	messageRepo := repo.NewMessageRepository(con, messageMongoRepo, logger)
	conversationRepo := repo.NewConversationRepository(conversationMongoRepo, logger)
	keyRepo := repo.NewKeyRepository(keyMongoRepo, logger)

	keyTTL := time.Duration(config.Cache.KeyTTLSeconds) * time.Second
	if keyTTL <= 0 {
		keyTTL = 10 * time.Minute
	}
	directory := keydir.New(keyRepo, keydir.NewRedisCache(redisClient, keyTTL, logger), logger)

	lastSeen := presence.NewRedisLastSeen(redisClient, logger)
	presenceReg := presence.NewRegistry(lastSeen)

	verifier := auth.NewJWTVerifier(config.Auth.JWTSecret)

	socketHub := hub.NewHub(presenceReg, messageRepo, verifier, logger)
	messenger := service.NewMessenger(directory, messageRepo, conversationRepo, socketHub, presenceReg, logger)
	socketHub.SetDeliverer(messenger)

	return &Container{
		KeyHandler:          handler.NewKeyHandler(directory),
		ConversationHandler: handler.NewConversationHandler(conversationRepo, messageRepo),
		Hub:                 socketHub,
		Verifier:            verifier,
		Config:              *config,
		Logger:              logger,
		mongoClient:         con,
		redisClient:         redisClient,
	}, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Stop the hub first (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}

	// Sync logger
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}

	// Close MongoDB connection pool
	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	return nil
}
