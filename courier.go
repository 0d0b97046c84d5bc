// This package provides a high-level interface to the message lifecycle coordinator. It owns the encrypted
// store, derives its key from a password and forwards lifecycle events to a single update channel.
package courier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of courier.
type AppState struct {
	State int
}

type Courier struct {
	Lifecycle  *lifecycle.Coordinator
	DB         *db.Database
	Registry   *prometheus.Registry
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	collab     lifecycle.Collaborators
	ownsReg    bool
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance. The collaborators are handed to the coordinator when the store is opened. A nil
// Registerer is replaced by Registry; a supplied one must not be shared by a courier that is reopened.
func NewCourier(c *config.Config, collab *lifecycle.Collaborators) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	if collab == nil {
		collab = &lifecycle.Collaborators{}
	}
	registry := prometheus.NewRegistry()
	co := &Courier{
		DB:       d,
		Registry: registry,
		config:   c,
		log:      log,
		state:    state,
		clock:    clock.NewSystemClock(),
		collab:   *collab,
		updates:  make(chan interface{}, c.UpdateBufferSize),
	}
	if co.collab.Registerer == nil {
		co.collab.Registerer = registry
		co.ownsReg = true
	}
	return co, nil
}

// Makes a key from a password
func (s *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, s.config.RootDir, "salt")
}

// Gets lifecycle events and *AppState changes.
func (s *Courier) Updates() chan interface{} {
	return s.updates
}

// Returns true is courier is in NEW state.
func (s *Courier) New() bool {
	return s.state == StateNew
}

// Returns true is courier is in INITIALIZED state.
func (s *Courier) Initialized() bool {
	return s.state == StateInitialized
}

// Returns true is courier is in RUNNING state.
func (s *Courier) Running() bool {
	return s.state == StateRunning
}

// Initialize courier with a given key.
func (s *Courier) Initialize(key []byte) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := s.DB.Initialize(key); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.Open(key)
}

// Open an existing courier with a given key.
func (s *Courier) Open(key []byte) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := s.DB.Open(key); err != nil {
		return err
	}

	co, err := lifecycle.NewCoordinator(s.config, s.DB, s.clock, &s.collab)
	if err != nil {
		return err
	}
	if err := co.Start(); err != nil {
		return err
	}
	s.Lifecycle = co

	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	s.setState(StateRunning)
	s.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop a running courier instance.
func (s *Courier) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if err := s.Lifecycle.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	s.cancelFunc()
	s.finished.Wait()

	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.cancelFunc = nil
	s.Lifecycle = nil
	if s.ownsReg {
		// metrics are registered again by the next coordinator
		s.Registry = prometheus.NewRegistry()
		s.collab.Registerer = s.Registry
	}

	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, s.config.UpdateBufferSize)
	return nil
}

func (s *Courier) startUpdatePassing(ctx context.Context) {
	updates := s.Lifecycle.Updates()
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-updates:
				s.log.Debugf("passing update: %T", e)
				select {
				case s.updates <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (s *Courier) setState(state int) {
	s.state = state
	select {
	case s.updates <- &AppState{state}:
	default:
		s.log.Warnf("update channel full, dropping state change to %d", state)
	}
}
