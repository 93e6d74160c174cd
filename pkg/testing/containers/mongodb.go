// Package containers provides test container access for integration testing.
// Containers are env-addressed: tests connect to the MongoDB instance named
// by the TEST_MONGODB_* environment variables and are skipped in -short mode.
package containers

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDBContainer represents a MongoDB test container connection.
type MongoDBContainer struct {
	Host     string
	Port     string
	Database string
	Client   *mongo.Client
	DB       *mongo.Database
}

// NewMongoDBContainer connects to the test MongoDB instance addressed by
// TEST_MONGODB_HOST/TEST_MONGODB_PORT/TEST_MONGODB_DB.
func NewMongoDBContainer(ctx context.Context, database string) (*MongoDBContainer, error) {
	container := &MongoDBContainer{
		Host:     getEnvOrDefault("TEST_MONGODB_HOST", "localhost"),
		Port:     getEnvOrDefault("TEST_MONGODB_PORT", "27017"),
		Database: getEnvOrDefault("TEST_MONGODB_DB", database),
	}

	clientOptions := options.Client().
		ApplyURI(container.ConnectionURI()).
		SetMaxPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	container.Client = client
	container.DB = client.Database(container.Database)

	return container, nil
}

// ConnectionURI returns the MongoDB connection URI.
func (c *MongoDBContainer) ConnectionURI() string {
	return fmt.Sprintf("mongodb://%s:%s/%s", c.Host, c.Port, c.Database)
}

// GetDB returns the MongoDB database.
func (c *MongoDBContainer) GetDB() *mongo.Database {
	return c.DB
}

// Reset drops all documents from the given collections.
func (c *MongoDBContainer) Reset(ctx context.Context, collections ...string) error {
	for _, name := range collections {
		if _, err := c.DB.Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to reset collection %s: %w", name, err)
		}
	}
	return nil
}

// Close drops the test database and disconnects.
func (c *MongoDBContainer) Close(ctx context.Context) error {
	if c.Client == nil {
		return nil
	}
	_ = c.DB.Drop(ctx)
	return c.Client.Disconnect(ctx)
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
