package infra

import (
	"errors"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	scyllaContactPoints = "SCYLLA_CONTACT_POINTS"
	scyllaPort          = "SCYLLA_PORT"
	scyllaKeyspace      = "SCYLLA_KEYSPACE"
	scyllaUsername      = "SCYLLA_USERNAME"
	scyllaPassword      = "SCYLLA_PASSWORD"
	scyllaTimeout       = "SCYLLA_TIMEOUT_IN_MS"
	scyllaNumConns      = "SCYLLA_NUM_CONNS"

	defaultScyllaTimeoutInMS = 2000
)

var (
	Scylla *ScyllaConnectors
)

// ScyllaConnectors holds the Scylla ConnectionFacade
type ScyllaConnectors struct {
	ScyllaConnection ConnectionFacade
}

func (s *ScyllaConnectors) GetConnection() (ConnectionFacade, error) {
	if s.ScyllaConnection == nil {
		return nil, errors.New("connection not found")
	}
	return s.ScyllaConnection, nil
}

type ScyllaConnection struct {
	Session  *gocql.Session
	Keyspace string
	Meta     map[string]interface{}
}

func (c *ScyllaConnection) GetConn() (interface{}, error) {
	if c.Session == nil {
		return nil, errors.New("session is nil")
	}
	return c.Session, nil
}

func (c *ScyllaConnection) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil {
		return nil, errors.New("meta is nil")
	}
	return c.Meta, nil
}

func (c *ScyllaConnection) IsLive() bool {
	return c.Session != nil && !c.Session.Closed()
}

// initScyllaConns initializes the Scylla session from the SCYLLA_* env.
//
// Mandatory environment variables:
//   - SCYLLA_CONTACT_POINTS: comma-separated host list
//   - SCYLLA_KEYSPACE: keyspace holding the coordinator tables
func initScyllaConns() {
	if !viper.IsSet(scyllaContactPoints) {
		log.Panic().Msg(scyllaContactPoints + " not set")
	}
	if !viper.IsSet(scyllaKeyspace) {
		log.Panic().Msg(scyllaKeyspace + " not set")
	}

	points := strings.Split(viper.GetString(scyllaContactPoints), ",")
	cluster := gocql.NewCluster(points...)
	cluster.Keyspace = viper.GetString(scyllaKeyspace)
	cluster.Consistency = gocql.Quorum
	if viper.IsSet(scyllaPort) {
		cluster.Port = viper.GetInt(scyllaPort)
	}
	timeoutMs := viper.GetInt(scyllaTimeout)
	if timeoutMs <= 0 {
		timeoutMs = defaultScyllaTimeoutInMS
	}
	cluster.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if viper.IsSet(scyllaNumConns) {
		cluster.NumConns = viper.GetInt(scyllaNumConns)
	}
	if viper.IsSet(scyllaUsername) {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: viper.GetString(scyllaUsername),
			Password: viper.GetString(scyllaPassword),
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		log.Panic().Err(err).Msg("Failed to create scylla session")
	}

	Scylla = &ScyllaConnectors{
		ScyllaConnection: &ScyllaConnection{
			Session:  session,
			Keyspace: cluster.Keyspace,
			Meta: map[string]interface{}{
				"keyspace": cluster.Keyspace,
				"type":     DBTypeScylla,
			},
		},
	}
	log.Info().Str("keyspace", cluster.Keyspace).Msg("Scylla session initialized")
}
