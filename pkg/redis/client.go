// Package redis owns the Redis connection used by the geo index.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis with retry.
func NewClient(addr string) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err == nil {
			cancel()
			log.Println("[redis] connected")
			return &Client{rdb: rdb}, nil
		}
		cancel()
		log.Printf("[redis] waiting for Redis... (%d/20)", i+1)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// RDB exposes the underlying go-redis client for GEO operations.
func (c *Client) RDB() *goredis.Client { return c.rdb }

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
