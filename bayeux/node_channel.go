package bayeux

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flowtide/comet/pubsub"
)

// A bayeux channel "/a/b/c" maps to the node name
// {p1: "a", p2: "b", p3: "c"}: segment i is keyed by its position
// domain "p<i>". The mapping is bijective for well formed channels.

// NodeNameFromChannel converts a channel path to a node name. A well
// formed channel starts with a slash and has no empty segments.
func NodeNameFromChannel(channel string) (pubsub.NodeName, bool) {
	if !strings.HasPrefix(channel, "/") || len(channel) == 1 {
		return pubsub.NodeName{}, false
	}
	segments := strings.Split(channel[1:], "/")

	keys := make([]pubsub.Key, 0, len(segments))
	for i, segment := range segments {
		if segment == "" {
			return pubsub.NodeName{}, false
		}
		keys = append(keys, pubsub.Key{
			Domain: fmt.Sprintf("p%d", i+1),
			Value:  segment,
		})
	}
	return pubsub.NewNodeName(keys...), true
}

// ChannelFromNodeName is the inverse of NodeNameFromChannel. Keys are
// ordered by their numeric position, not by the lexicographic domain
// order the name stores them in.
func ChannelFromNodeName(name pubsub.NodeName) string {
	keys := name.Keys()
	sort.Slice(keys, func(i int, j int) bool {
		return positionOf(keys[i].Domain) < positionOf(keys[j].Domain)
	})

	var b strings.Builder
	for _, key := range keys {
		b.WriteByte('/')
		b.WriteString(key.Value)
	}
	return b.String()
}

func positionOf(domain string) int {
	if strings.HasPrefix(domain, "p") {
		if n, err := strconv.Atoi(domain[1:]); err == nil {
			return n
		}
	}
	return 0
}
