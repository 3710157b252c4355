package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	envAppName        = "APP_NAME"
	envEtcdServer     = "ETCD_SERVER"
	envEtcdUsername   = "ETCD_USERNAME"
	envEtcdPassword   = "ETCD_PASSWORD"
	envWatcherEnabled = "ETCD_WATCHER_ENABLED"

	configPath = "/config/"
	timeout    = 5 * time.Second
)

// Client reads dynamic-configuration documents from etcd. Each document is a
// JSON value stored under /config/<app>/<path>. Registered watch callbacks
// fire whenever a key under their path changes.
type Client struct {
	conn     *clientv3.Client
	basePath string

	mu        sync.Mutex
	callbacks map[string][]func() error
}

// Enabled reports whether an etcd endpoint is configured. Deployments
// without etcd run on static configuration only.
func Enabled() bool {
	return viper.IsSet(envEtcdServer) && viper.GetString(envEtcdServer) != ""
}

// Init connects to etcd using the ETCD_* environment and starts the prefix
// watcher when ETCD_WATCHER_ENABLED is set.
func Init() (*Client, error) {
	if !viper.IsSet(envAppName) || !viper.IsSet(envEtcdServer) {
		return nil, fmt.Errorf("%s or %s is not set", envAppName, envEtcdServer)
	}
	appName := viper.GetString(envAppName)
	servers := strings.Split(viper.GetString(envEtcdServer), ",")
	var username, password string
	if viper.IsSet(envEtcdUsername) && viper.IsSet(envEtcdPassword) {
		username = viper.GetString(envEtcdUsername)
		password = viper.GetString(envEtcdPassword)
	}

	conn, err := clientv3.New(clientv3.Config{
		Endpoints:           servers,
		Username:            username,
		Password:            password,
		DialTimeout:         timeout,
		DialKeepAliveTime:   timeout,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	c := &Client{
		conn:      conn,
		basePath:  configPath + appName,
		callbacks: make(map[string][]func() error),
	}
	if viper.GetBool(envWatcherEnabled) {
		c.watchPrefix(context.Background(), c.basePath)
	}
	log.Info().Str("basePath", c.basePath).Msg("etcd dynamic config client initialized")
	return c, nil
}

// GetJSON loads the document at basePath+path into out. The boolean reports
// whether the document exists.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) (bool, error) {
	resp, err := c.conn.Get(ctx, c.basePath+path)
	if err != nil {
		return false, fmt.Errorf("etcd get %s: %w", path, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, out); err != nil {
		return true, fmt.Errorf("etcd document %s is not valid JSON: %w", path, err)
	}
	return true, nil
}

// PutJSON stores v as the JSON document at basePath+path.
func (c *Client) PutJSON(ctx context.Context, path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", path, err)
	}
	if _, err := c.conn.Put(ctx, c.basePath+path, string(raw)); err != nil {
		return fmt.Errorf("etcd put %s: %w", path, err)
	}
	return nil
}

// RegisterWatchPathCallback registers a callback fired when any key under
// basePath+path changes.
func (c *Client) RegisterWatchPathCallback(path string, callback func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[path] = append(c.callbacks[path], callback)
}

func (c *Client) watchPrefix(ctx context.Context, prefix string) {
	watchChan := c.conn.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Msgf("panic in etcd watch loop: %v", r)
					}
				}()
				for watchResp := range watchChan {
					for _, event := range watchResp.Events {
						key := string(event.Kv.Key)
						log.Debug().Msgf("etcd change: key=%s type=%s", key, event.Type.String())
						c.fireCallbacks(key)
					}
				}
			}()

			// avoid frequent restarts on panics
			time.Sleep(5 * time.Second)
		}
	}()
}

func (c *Client) fireCallbacks(changedKey string) {
	c.mu.Lock()
	type bound struct {
		path string
		fn   func() error
	}
	var due []bound
	for path, fns := range c.callbacks {
		if strings.HasPrefix(changedKey, c.basePath+path) {
			for _, fn := range fns {
				due = append(due, bound{path: path, fn: fn})
			}
		}
	}
	c.mu.Unlock()

	for _, b := range due {
		if err := b.fn(); err != nil {
			log.Error().Err(err).Msgf("etcd watch callback failed for path %s", b.path)
		}
	}
}

// Close tears down the etcd connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
