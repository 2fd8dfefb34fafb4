package localfirst

import (
	"log/slog"
	"time"

	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/replication"
	"github.com/raniellyferreira/localfirst-replica/storage"
)

// config holds the configuration for a Session
type config struct {
	// Identity
	actorA protocol.ActorID
	actorB protocol.ActorID

	// Persistence
	storage        storage.Provider
	persistTimeout time.Duration

	// Editing shell
	shellAddr     string
	shellPassword string

	// UI hooks
	viewA frontend.View
	viewB frontend.View

	// Observability
	logger    Logger
	metrics   MetricsCollector
	observers observers

	startTimeout time.Duration
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		persistTimeout: 5 * time.Second,
		startTimeout:   10 * time.Second,
		logger:         NewLogger(nil, slog.LevelInfo),
	}
}

// Option represents a configuration option for a Session
type Option func(*config) error

// WithLogger sets a custom logger for the session
//
// Example:
//
//	WithLogger(localfirst.NewLogger(os.Stdout, slog.LevelDebug))
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return &ConfigError{Option: "logger", Reason: "nil logger"}
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer))
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithStorage persists both backends in change logs named "A" and "B" of
// provider. The session replays them on Start and closes provider on Close.
// Without it the backends live in memory only.
//
// Example:
//
//	db, _ := storage.OpenBolt("twin.db")
//	WithStorage(db)
func WithStorage(provider storage.Provider) Option {
	return func(c *config) error {
		if provider == nil {
			return &ConfigError{Option: "storage", Reason: "nil provider"}
		}
		c.storage = provider
		return nil
	}
}

// WithPersistTimeout bounds every change log append
//
// Example:
//
//	WithPersistTimeout(2 * time.Second)
func WithPersistTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return &ConfigError{Option: "persist timeout", Reason: "must be positive"}
		}
		c.persistTimeout = timeout
		return nil
	}
}

// WithStartTimeout bounds how long Start waits for the loop and the
// change log replay
func WithStartTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return &ConfigError{Option: "start timeout", Reason: "must be positive"}
		}
		c.startTimeout = timeout
		return nil
	}
}

// WithShellAddr enables the Redis protocol editing shell on addr
//
// Example:
//
//	WithShellAddr("127.0.0.1:6390")
func WithShellAddr(addr string) Option {
	return func(c *config) error {
		c.shellAddr = addr
		return nil
	}
}

// WithShellAuth sets the password shell clients must AUTH with
//
// Example:
//
//	WithShellAuth("editor-password")
func WithShellAuth(password string) Option {
	return func(c *config) error {
		c.shellPassword = password
		return nil
	}
}

// WithView attaches a view to the named replica. The view is rendered with
// every state the backend pushes into that replica.
//
// Example:
//
//	WithView("A", frontend.ViewFunc(func(s frontend.State) {
//		fmt.Println(s.Text)
//	}))
func WithView(replica string, view frontend.View) Option {
	return func(c *config) error {
		side, err := replication.ParseSide(replica)
		if err != nil {
			return &ConfigError{Option: "view", Reason: err.Error()}
		}
		if side == replication.SideA {
			c.viewA = view
		} else {
			c.viewB = view
		}
		return nil
	}
}

// WithObserver registers an observer of every request the loop processed.
// It may be given more than once.
//
// Example:
//
//	WithObserver(dispatcher)
func WithObserver(observer replication.Observer) Option {
	return func(c *config) error {
		if observer == nil {
			return &ConfigError{Option: "observer", Reason: "nil observer"}
		}
		c.observers = append(c.observers, observer)
		return nil
	}
}

// WithActorIDs fixes the identities of replicas A and B. Generated ids are
// used otherwise.
//
// Example:
//
//	WithActorIDs("laptop", "phone")
func WithActorIDs(a, b protocol.ActorID) Option {
	return func(c *config) error {
		if a == "" || b == "" {
			return &ConfigError{Option: "actor ids", Reason: "empty id"}
		}
		if a == b {
			return &ConfigError{Option: "actor ids", Reason: "replicas need distinct ids"}
		}
		c.actorA = a
		c.actorB = b
		return nil
	}
}
