package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	rpzredis "github.com/ethpandaops/rpz/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// Redis is an in-memory Redis for queue engine tests.
type Redis struct {
	Server *miniredis.Miniredis
	// Client inspects the keys asynq writes.
	Client *redis.Client
	// Config points the queue engine and worker at Server.
	Config rpzredis.Config
}

// NewRedis starts a miniredis server with a connected client. Both are closed
// when the test completes.
func NewRedis(t *testing.T) *Redis {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close miniredis client: %v", err)
		}
	})

	return &Redis{
		Server: mr,
		Client: client,
		Config: rpzredis.Config{URL: "redis://" + mr.Addr(), Prefix: "rpz"},
	}
}
