package infra

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var mut sync.Mutex

// InitDBConnectors initializes every backend whose mandatory env keys are
// present. Backends are deployment-optional: the coordinator runs with the
// in-memory state store when no database env is configured.
func InitDBConnectors() {
	mut.Lock()
	defer mut.Unlock()
	if SQL == nil && viper.IsSet(masterHost) {
		initSQLConns()
	} else if SQL == nil {
		log.Info().Msg("MySQL env not set, skipping SQL connector init")
	}
	if Mongo == nil && viper.IsSet(mongoURI) {
		initMongoConns()
	} else if Mongo == nil {
		log.Info().Msg("Mongo env not set, skipping Mongo connector init")
	}
	if Redis == nil && viper.IsSet(redisAddr) {
		initRedisConns()
	} else if Redis == nil {
		log.Info().Msg("Redis env not set, skipping Redis connector init")
	}
	if Scylla == nil && viper.IsSet(scyllaContactPoints) {
		initScyllaConns()
	} else if Scylla == nil {
		log.Info().Msg("Scylla env not set, skipping Scylla connector init")
	}
}
