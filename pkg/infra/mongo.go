package infra

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoURI             = "MONGO_URI"
	mongoDBName          = "MONGO_DB_NAME"
	mongoConnectTimeout  = "MONGO_CONNECT_TIMEOUT_IN_MS"
	defaultMongoTimeout  = 10000
	mongoPingTimeoutInMS = 2000
)

var (
	Mongo *MongoConnectors
)

// MongoConnectors holds the Mongo ConnectionFacade
type MongoConnectors struct {
	MongoConnection ConnectionFacade
}

func (m *MongoConnectors) GetConnection() (ConnectionFacade, error) {
	if m.MongoConnection == nil {
		return nil, errors.New("connection not found")
	}
	return m.MongoConnection, nil
}

// MongoConnection wraps a mongo client plus the database the coordinator uses
type MongoConnection struct {
	Client *mongo.Client
	DBName string
	Meta   map[string]interface{}
}

func (c *MongoConnection) GetConn() (interface{}, error) {
	if c.Client == nil {
		return nil, errors.New("mongo client is nil")
	}
	return c.Client, nil
}

func (c *MongoConnection) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil {
		return nil, errors.New("meta is nil")
	}
	return c.Meta, nil
}

func (c *MongoConnection) IsLive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), mongoPingTimeoutInMS*time.Millisecond)
	defer cancel()
	return c.Client.Ping(ctx, readpref.Primary()) == nil
}

// GetDatabase returns the configured database handle.
func (c *MongoConnection) GetDatabase() *mongo.Database {
	return c.Client.Database(c.DBName)
}

// initMongoConns initializes the Mongo connection from MONGO_* env
func initMongoConns() {
	uri := viper.GetString(mongoURI)
	dbName := viper.GetString(mongoDBName)
	if dbName == "" {
		log.Panic().Msg(mongoDBName + " not set")
	}
	timeoutMs := viper.GetInt(mongoConnectTimeout)
	if timeoutMs <= 0 {
		timeoutMs = defaultMongoTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Panic().Err(err).Msg("Failed to connect to mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		log.Panic().Err(err).Msg("Mongo ping failed")
	}

	Mongo = &MongoConnectors{
		MongoConnection: &MongoConnection{
			Client: client,
			DBName: dbName,
			Meta: map[string]interface{}{
				"db_name": dbName,
				"type":    DBTypeMongo,
			},
		},
	}
	log.Info().Str("db", dbName).Msg("Mongo connection initialized")
}
