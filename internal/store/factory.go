package store

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

// Backend names selectable via STATE_STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendMongo  = "mongo"
)

// FromConfig builds the configured state store over the initialized infra
// connectors.
func FromConfig(backend string) (StateStore, error) {
	switch backend {
	case "", BackendMemory:
		log.Info().Msg("using in-memory state store")
		return NewMemoryStore(), nil
	case BackendMySQL:
		if infra.SQL == nil {
			return nil, errors.New("state store backend mysql requires MYSQL_* env")
		}
		conn, err := infra.SQL.GetConnection()
		if err != nil {
			return nil, err
		}
		return NewSQLStore(conn.(*infra.SQLConnection))
	case BackendMongo:
		if infra.Mongo == nil {
			return nil, errors.New("state store backend mongo requires MONGO_* env")
		}
		conn, err := infra.Mongo.GetConnection()
		if err != nil {
			return nil, err
		}
		return NewMongoStore(conn.(*infra.MongoConnection))
	default:
		return nil, errors.New("unknown state store backend " + backend)
	}
}
