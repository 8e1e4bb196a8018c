// Package redis constructs the client for the cache cluster backing
// presence entries and fallback obligations.
package redis

import (
	"fmt"
	"net"

	goredis "github.com/go-redis/redis/v7"
)

// Config locates the cache cluster.
type Config struct {
	Host     string
	Port     string
	Password string
	// DB selects the logical database; presence and obligation keys share it.
	DB int
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Connect opens a client and verifies the cluster answers before anything is
// wired on top of it.
func Connect(c Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     c.addr(),
		Password: c.Password,
		DB:       c.DB,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache cluster at %s unreachable: %w", c.addr(), err)
	}
	return client, nil
}
