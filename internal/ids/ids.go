// Package ids generates time-sortable identifiers for consensus rounds and client orders.
package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string. IDs from the same process sort by creation time.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ClientOrderID returns a broker-safe client order id with the given prefix.
// Brokers cap these around 32-48 characters; prefix + ULID stays under 40.
func ClientOrderID(prefix string) string {
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
