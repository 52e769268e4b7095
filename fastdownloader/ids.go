package fastdownloader

import (
	"math/rand"
	"time"
)

// newIDGenerator seeds an independent source per Downloader so that two
// downloaders running in the same process don't share a sequence.
func newIDGenerator() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// generateID picks a uniformly random, non-zero 32-bit id that does not
// already name a live connection, retrying on collision. Random rather than
// sequential so consumers can treat ids as opaque tokens; a monotonic
// counter would work just as well since ids never escape the process
// lifetime of the Downloader.
func (d *Downloader) generateID() ConnectionID {
	for {
		id := ConnectionID(d.rng.Int31())
		if id == 0 {
			continue
		}
		if _, exists := d.connections[id]; exists {
			continue
		}
		return id
	}
}
