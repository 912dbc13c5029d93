package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/database"
	"chatrelay/internal/delivery"
	"chatrelay/internal/gateway"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"
	"chatrelay/internal/registry"
	"chatrelay/internal/retry"
	"chatrelay/internal/signaling"
	"chatrelay/internal/transport"
	"chatrelay/pkg/client"
	"chatrelay/pkg/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// QueueBackend selects the delivery queue an environment runs on.
type QueueBackend int

const (
	QueueMemory QueueBackend = iota
	QueueRedis
)

// EnvironmentOptions tune the relay under test.
type EnvironmentOptions struct {
	Queue       QueueBackend
	DropRate    float64
	BaseDelay   time.Duration
	MaxAttempts int
}

// TestEnvironment is a complete relay served over httptest: sqlite
// repository, delivery queue, hub, coordinator and signaling relay.
type TestEnvironment struct {
	t        *testing.T
	DB       *database.Database
	Queue    queue.Queue
	Hub      *transport.Hub
	Registry *registry.Registry
	Relay    *signaling.Relay
	URL      string

	cancel  context.CancelFunc
	cleanup []func()
	logger  *logrus.Logger
}

// NewTestEnvironment starts the relay and registers its teardown with t.
func NewTestEnvironment(t *testing.T, opts EnvironmentOptions) *TestEnvironment {
	t.Helper()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 20 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	env := &TestEnvironment{t: t, logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	t.Cleanup(env.Cleanup)

	db, err := database.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	env.DB = db
	env.cleanup = append(env.cleanup, func() { _ = db.Close() })

	policy := retry.Exponential(opts.BaseDelay, 8*opts.BaseDelay)
	env.Queue = env.newQueue(opts.Queue, policy)

	env.Hub = transport.NewHub(transport.Options{
		PingInterval: time.Second,
		PongTimeout:  5 * time.Second,
		Logger:       logger,
	})
	env.Registry = registry.New(clock.Real())

	coordinator := delivery.NewCoordinator(db, env.Queue, env.Hub, delivery.Options{
		MaxAttempts: opts.MaxAttempts,
		Policy:      policy,
		Drop:        delivery.NewRandomDrop(opts.DropRate),
		Logger:      logger,
	})
	require.NoError(t, coordinator.Start(ctx))

	env.Relay = signaling.NewRelay(env.Registry, env.Hub, signaling.Options{
		Interval: 100 * time.Millisecond,
		Attempts: 3,
		Logger:   logger,
	})
	env.Hub.SetHandler(gateway.New(coordinator, env.Relay, env.Registry, env.Hub, clock.Real(), logger))

	go func() { _ = env.Queue.Run(ctx, coordinator) }()

	srv := httptest.NewServer(env.Hub)
	env.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	env.cleanup = append(env.cleanup,
		srv.Close,
		env.Relay.Close,
		func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = env.Hub.Close(shutdownCtx)
		},
		func() { _ = env.Queue.Close() },
	)
	return env
}

func (env *TestEnvironment) newQueue(backend QueueBackend, policy retry.Policy) queue.Queue {
	qopts := queue.Options{
		Prefix:       "chatrelay-it",
		Policy:       policy,
		PollInterval: 5 * time.Millisecond,
		LockTimeout:  time.Second,
		Logger:       env.logger,
	}
	if backend == QueueMemory {
		return queue.NewMemoryQueue(qopts)
	}

	mr := miniredis.RunT(env.t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewOwnedRedisQueue(rdb, qopts)
}

// Cleanup tears the environment down in reverse order of construction.
func (env *TestEnvironment) Cleanup() {
	env.cancel()
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
	env.cleanup = nil
}

// TestClient is a pkg/client Client plus everything its callbacks saw.
type TestClient struct {
	*client.Client
	UserID string

	mu      sync.Mutex
	signals []protocol.VideoSignal
	states  []protocol.VideoState
	errors  []protocol.VideoError
	failed  []client.PendingEntry
}

// Connect starts a client for userID and waits until the relay has
// registered it.
func (env *TestEnvironment) Connect(userID string) *TestClient {
	env.t.Helper()
	before := env.Registry.Count()

	tc := &TestClient{UserID: userID}
	c, err := client.New(client.Options{
		URL:               env.URL,
		UserID:            userID,
		RetryInterval:     time.Hour,
		ReconnectAttempts: 1,
		ReconnectInterval: 50 * time.Millisecond,
		Logger:            env.logger,
		OnVideoSignal:     tc.recordSignal,
		OnVideoState:      tc.recordState,
		OnVideoError:      tc.recordError,
		OnFailed:          tc.recordFailed,
	})
	require.NoError(env.t, err)
	tc.Client = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	env.cleanup = append(env.cleanup, func() {
		cancel()
		_ = c.Close()
	})

	require.Eventually(env.t, func() bool { return env.Registry.Count() > before }, 3*time.Second, 5*time.Millisecond,
		"client %s never registered", userID)
	return tc
}

// MessageStatus reads a message straight from the repository.
func (env *TestEnvironment) MessageStatus(messageID string) models.MessageStatus {
	msg, err := env.DB.GetMessage(context.Background(), messageID)
	if err != nil || msg == nil {
		return ""
	}
	return msg.Status
}

func (tc *TestClient) recordSignal(s protocol.VideoSignal) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.signals = append(tc.signals, s)
}

func (tc *TestClient) recordState(s protocol.VideoState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.states = append(tc.states, s)
}

func (tc *TestClient) recordError(e protocol.VideoError) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.errors = append(tc.errors, e)
}

func (tc *TestClient) recordFailed(e client.PendingEntry) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.failed = append(tc.failed, e)
}

// Signals returns the video signals received so far.
func (tc *TestClient) Signals() []protocol.VideoSignal {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]protocol.VideoSignal(nil), tc.signals...)
}

func (tc *TestClient) States() []protocol.VideoState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]protocol.VideoState(nil), tc.states...)
}

// HasMessage reports whether messageID reached this client's history with
// the given status.
func (tc *TestClient) HasMessage(messageID, status string) bool {
	for _, m := range tc.Outbox().History() {
		if m.MessageID == messageID && m.Status == status {
			return true
		}
	}
	return false
}
