package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoDatabase          = "chat_db"
	serverSelectionTimeout = 5 * time.Second
	disconnectTimeout      = 5 * time.Second
)

// MongoChatRepository stores users, rooms and messages as documents in
// the users, rooms and messages collections.
type MongoChatRepository struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
	rooms    *mongo.Collection
	log      zerolog.Logger
}

func NewMongoChatRepository(ctx context.Context, uri string, logger zerolog.Logger) (*MongoChatRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(serverSelectionTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	db := client.Database(mongoDatabase)
	return &MongoChatRepository{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
		rooms:    db.Collection("rooms"),
		log:      logger.With().Str("module", "database.mongo").Logger(),
	}, nil
}

func (db *MongoChatRepository) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, readpref.Primary())
}

func (db *MongoChatRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := db.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return fmt.Errorf("messages index: %w", err)
	}

	if _, err := db.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("users index: %w", err)
	}

	if _, err := db.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("rooms index: %w", err)
	}

	db.log.Info().Msg("indexes configured")
	return nil
}

func (db *MongoChatRepository) UpsertUser(ctx context.Context, username string) (User, error) {
	now := time.Now().UTC()
	res := db.users.FindOneAndUpdate(ctx,
		bson.D{{Key: "username", Value: username}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "last_seen", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: now}}},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)

	var u User
	err := res.Decode(&u)
	return u, err
}

func (db *MongoChatRepository) EnsureRoom(ctx context.Context, roomId, createdBy string) error {
	_, err := db.rooms.UpdateOne(ctx,
		bson.D{{Key: "room_id", Value: roomId}},
		bson.D{{Key: "$setOnInsert", Value: Room{
			RoomId:    roomId,
			CreatedBy: createdBy,
			CreatedAt: time.Now().UTC(),
		}}},
		options.Update().SetUpsert(true),
	)
	// two upserts racing on the unique index: the loser sees a duplicate key
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}

	return err
}

func (db *MongoChatRepository) ListRoomIds(ctx context.Context) ([]string, error) {
	cursor, err := db.rooms.Find(ctx, bson.D{}, options.Find().
		SetProjection(bson.D{{Key: "room_id", Value: 1}, {Key: "_id", Value: 0}}).
		SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var rooms []Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	roomIds := make([]string, 0, len(rooms))
	for _, r := range rooms {
		roomIds = append(roomIds, r.RoomId)
	}

	return roomIds, nil
}

func (db *MongoChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := db.messages.InsertOne(ctx, msg)
	return err
}

func (db *MongoChatRepository) GetMessages(ctx context.Context, roomId string, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)

	cursor, err := db.messages.Find(ctx, roomFilter(roomId), options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, limit)
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	return chronological(messages), nil
}

func (db *MongoChatRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	return db.client.Disconnect(ctx)
}

func roomFilter(roomId string) bson.D {
	if roomId == GlobalRoom {
		return bson.D{{Key: "room", Value: bson.D{{Key: "$exists", Value: false}}}}
	}

	return bson.D{{Key: "room", Value: roomId}}
}
