package pubsub

import (
	"math"
	"math/rand"

	"github.com/flowtide/comet/jsonv"
)

// A Version counts the updates a node has seen. Versions start at an
// arbitrary value and increment by exactly one per update.
type Version uint32

func newVersion() Version {
	return Version(rand.Uint32())
}

func (self Version) Next() Version {
	return self + 1
}

func (self Version) Add(n int) Version {
	return Version(uint32(self) + uint32(n))
}

// Sub returns the distance between two versions, saturating at the int
// range. The distance is computed on the shorter way around the
// wrap-around space.
func (self Version) Sub(other Version) int {
	distance := int64(int32(uint32(self) - uint32(other)))
	if math.MaxInt32 < distance {
		return math.MaxInt32
	}
	if distance < math.MinInt32 {
		return math.MinInt32
	}
	return int(distance)
}

// A Node is a versioned cell: the current value, a monotonic version
// and a bounded history of deltas leading up to the current value.
type Node struct {
	value   jsonv.Value
	version Version

	// the most recent deltas, oldest first
	history     []jsonv.Value
	historySize int
}

func NewNode(version Version, value jsonv.Value) Node {
	return Node{
		value:   value,
		version: version,
	}
}

func (self *Node) CurrentVersion() Version {
	return self.version
}

func (self *Node) OldestVersion() Version {
	return self.version.Add(-len(self.history))
}

func (self *Node) Data() jsonv.Value {
	return self.value
}

func (self *Node) HistoryLen() int {
	return len(self.history)
}

// GetUpdateFrom returns the payload that brings a subscriber which has
// seen knownVersion up to the current version. If the distance is
// covered by the history, the result is (true, array of deltas). If the
// known version is current, the result is (true, empty array). If the
// subscriber is too far behind or ahead, the result is (false, full
// data) and the caller delivers a full replacement.
func (self *Node) GetUpdateFrom(knownVersion Version) (bool, jsonv.Value) {
	distance := self.version.Sub(knownVersion)
	if distance == 0 {
		return true, jsonv.NewArray()
	}
	if distance < 0 || len(self.history) < distance {
		return false, self.value
	}
	return true, jsonv.NewArray(self.history[len(self.history)-distance:]...)
}

// Update replaces the node value and increments the version. A delta
// from the previous value is kept in the history when it fits into
// keepUpdateSizePercent percent of the new value's serialized size.
//
// When no delta is kept for an update, the history is cleared, so the
// deltas left in the history always lead up to the current value.
//
// An update with a value equal to the current one still increments the
// version and is still reported as a change: subscribers see every
// push, in order, without deduplication. No delta is kept for it.
func (self *Node) Update(newValue jsonv.Value, keepUpdateSizePercent int) bool {
	maxPatchBytes := newValue.SerializedSize() * keepUpdateSizePercent / 100

	if 0 < maxPatchBytes && !jsonv.Equal(self.value, newValue) {
		if patch, ok := jsonv.Delta(self.value, newValue, maxPatchBytes); ok {
			self.history = append(self.history, patch)
			self.historySize += patch.SerializedSize()
		} else {
			// the break in the delta chain makes older deltas useless
			self.history = nil
			self.historySize = 0
		}
	} else {
		// no delta is kept for this version, the chain breaks here too
		self.history = nil
		self.historySize = 0
	}

	self.value = newValue
	self.version = self.version.Next()
	self.trimHistory(maxPatchBytes)

	return true
}

func (self *Node) trimHistory(maxSize int) {
	for 0 < len(self.history) && maxSize < self.historySize {
		self.historySize -= self.history[0].SerializedSize()
		self.history = self.history[1:]
	}
}
