package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/meow-io/go-courier/config"
	db "github.com/meow-io/go-courier/internal/db"
)

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	return c
}

func Config(prefix string) *config.Config {
	return config.NewConfig(
		config.WithoutLogFile(),
		config.WithLoggingPrefix(prefix),
	)
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	path := fmt.Sprintf("test-%x", id[:])
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}

// A manually advanced clock.
type Clock struct {
	lock sync.Mutex
	ms   uint64
}

func NewClock(startMs uint64) *Clock {
	return &Clock{ms: startMs}
}

func (c *Clock) CurrentTimeMs() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ms
}

func (c *Clock) Now() time.Time {
	return time.UnixMilli(int64(c.CurrentTimeMs()))
}

func (c *Clock) AdvanceMs(n uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.ms += n
}
