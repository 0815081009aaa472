// Package store provides MongoDB-backed persistence for users, running
// sessions and used login nonces.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collUsers    = "users"
	collSessions = "grid_sessions"
	collNonces   = "used_nonces"

	connectTimeout = 10 * time.Second
)

// Mongo wraps a database handle and exposes the typed stores
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger core.ILogger
}

// New connects to MongoDB and ensures the indexes the invariants rely on
func New(ctx context.Context, uri, dbName string, logger core.ILogger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	m := &Mongo{
		client: client,
		db:     client.Database(dbName),
		logger: logger.WithField("component", "store"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureIndexes creates the unique and TTL indexes. The partial unique
// index on (user_id, instrument, status=Running) is what makes session
// uniqueness hold across processes, not just within one manager.
func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(collUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	_, err = m.db.Collection(collNonces).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "nonce", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create nonce indexes: %w", err)
	}

	_, err = m.db.Collection(collSessions).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "instrument", Value: 1},
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": string(core.StateRunning)}),
	})
	if err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}
	return nil
}

// Close disconnects the underlying client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Users returns the user store view
func (m *Mongo) Users() core.IUserStore { return &userStore{m} }

// Nonces returns the nonce store view
func (m *Mongo) Nonces() core.INonceStore { return &nonceStore{m} }

// Sessions returns the session store view
func (m *Mongo) Sessions() core.ISessionStore { return &sessionStore{m} }

type userStore struct{ m *Mongo }

func (s *userStore) GetUser(ctx context.Context, userID string) (*core.User, error) {
	var user core.User
	err := s.m.db.Collection(collUsers).FindOne(ctx, bson.M{"user_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	user.Credentials = core.Credentials{APIKey: user.APIKey, APISecret: user.APISecret}
	return &user, nil
}

// UpsertUser inserts or refreshes a user record after wallet login
func (m *Mongo) UpsertUser(ctx context.Context, user *core.User) error {
	_, err := m.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"user_id": user.UserID},
		bson.M{
			"$set":         bson.M{"wallet_address": user.WalletAddress, "api_key": user.APIKey, "api_secret": user.APISecret},
			"$setOnInsert": bson.M{"user_id": user.UserID, "created_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.UserID, err)
	}
	return nil
}

type nonceRecord struct {
	Nonce     string    `bson:"nonce"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type nonceStore struct{ m *Mongo }

// Insert records a nonce; a concurrent insert of the same nonce succeeds
// exactly once because of the unique index
func (s *nonceStore) Insert(ctx context.Context, nonce string, issued, expiresAt time.Time) error {
	_, err := s.m.db.Collection(collNonces).InsertOne(ctx, nonceRecord{
		Nonce:     nonce,
		IssuedAt:  issued,
		ExpiresAt: expiresAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.ErrDuplicateNonce
	}
	if err != nil {
		return fmt.Errorf("failed to insert nonce: %w", err)
	}
	return nil
}

// Sweep removes expired records. The TTL index does this too; the sweep
// keeps the fallback path and the primary path behaviourally identical.
func (s *nonceStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.m.db.Collection(collNonces).DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$lt": now},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep nonces: %w", err)
	}
	return res.DeletedCount, nil
}

type sessionStore struct{ m *Mongo }

func (s *sessionStore) InsertRunning(ctx context.Context, rec core.SessionRecord) error {
	rec.Status = core.StateRunning
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.m.db.Collection(collSessions).InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.ErrDuplicateGridSession
	}
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *sessionStore) Remove(ctx context.Context, sessionID string) error {
	_, err := s.m.db.Collection(collSessions).DeleteOne(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to remove session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sessionStore) ListRunning(ctx context.Context) ([]core.SessionRecord, error) {
	cur, err := s.m.db.Collection(collSessions).Find(ctx, bson.M{"status": string(core.StateRunning)})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cur.Close(ctx)

	var records []core.SessionRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return records, nil
}
