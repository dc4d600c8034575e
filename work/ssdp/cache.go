package ssdp

import (
	"sort"
	"sync"
	"time"

	"lanmedia/work/netaddr"
)

// RemoteNode is one discovered service instance as surfaced to callers.
type RemoteNode struct {
	ServiceType string `json:"serviceType"`
	UUID        string `json:"uuid"`
	Location    string `json:"location"`
}

type nodeKey struct {
	serviceType string
	uuid        string
}

type sighting struct {
	rank int
	seen time.Time
}

// NodeCache is the time-decayed store of remote announcements. A single mutex
// guards it; every operation takes the event timestamp explicitly so ordering
// is decided by when a datagram arrived, not when it was applied.
type NodeCache struct {
	mu         sync.Mutex
	timeout    time.Duration
	nodes      map[nodeKey]map[string]*sighting
	tombstones map[nodeKey]time.Time
}

// NewNodeCache creates a cache whose entries live for timeout without refresh.
func NewNodeCache(timeout time.Duration) *NodeCache {
	return &NodeCache{
		timeout:    timeout,
		nodes:      make(map[nodeKey]map[string]*sighting),
		tombstones: make(map[nodeKey]time.Time),
	}
}

// Alive records an alive announcement or search response seen at time at.
// It reports whether the visible cache content changed. Events not newer than
// a byebye for the same node are ignored.
func (c *NodeCache) Alive(serviceType, uuid, location string, at time.Time) bool {
	key := nodeKey{serviceType, uuid}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gone, ok := c.tombstones[key]; ok && !at.After(gone) {
		return false
	}

	locations, ok := c.nodes[key]
	if !ok {
		locations = make(map[string]*sighting)
		c.nodes[key] = locations
	}

	if s, ok := locations[location]; ok {
		// an expired sighting that was not swept yet reappears in Query
		expired := at.Sub(s.seen) > c.timeout
		if at.After(s.seen) {
			s.seen = at
		}
		return expired
	}

	locations[location] = &sighting{rank: netaddr.RankURL(location), seen: at}
	return true
}

// Byebye removes every location of the node announced at or before at and
// remembers the departure so late alive messages cannot resurrect it.
func (c *NodeCache) Byebye(serviceType, uuid string, at time.Time) bool {
	key := nodeKey{serviceType, uuid}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gone, ok := c.tombstones[key]; !ok || at.After(gone) {
		c.tombstones[key] = at
	}

	locations, ok := c.nodes[key]
	if !ok {
		return false
	}

	changed := false
	for loc, s := range locations {
		if !s.seen.After(at) {
			delete(locations, loc)
			changed = true
		}
	}
	if len(locations) == 0 {
		delete(c.nodes, key)
	}
	return changed
}

// Query returns the live nodes of a service type, one per uuid, each with its
// most preferred location. Results are ordered by location preference, then
// uuid.
func (c *NodeCache) Query(serviceType string, now time.Time) []RemoteNode {
	type ranked struct {
		node RemoteNode
		rank int
	}

	c.mu.Lock()
	var found []ranked
	for key, locations := range c.nodes {
		if key.serviceType != serviceType {
			continue
		}
		best, bestRank, bestSeen := "", -1, time.Time{}
		for loc, s := range locations {
			if now.Sub(s.seen) > c.timeout {
				continue
			}
			if s.rank > bestRank ||
				(s.rank == bestRank && s.seen.After(bestSeen)) ||
				(s.rank == bestRank && s.seen.Equal(bestSeen) && loc < best) {
				best, bestRank, bestSeen = loc, s.rank, s.seen
			}
		}
		if bestRank >= 0 {
			found = append(found, ranked{
				node: RemoteNode{ServiceType: key.serviceType, UUID: key.uuid, Location: best},
				rank: bestRank,
			})
		}
	}
	c.mu.Unlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].rank != found[j].rank {
			return found[i].rank > found[j].rank
		}
		return found[i].node.UUID < found[j].node.UUID
	})

	result := make([]RemoteNode, len(found))
	for i := range found {
		result[i] = found[i].node
	}
	return result
}

// Sweep evicts sightings older than the cache timeout and forgets stale
// tombstones. It reports whether any node disappeared.
func (c *NodeCache) Sweep(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for key, locations := range c.nodes {
		for loc, s := range locations {
			if now.Sub(s.seen) > c.timeout {
				delete(locations, loc)
				changed = true
			}
		}
		if len(locations) == 0 {
			delete(c.nodes, key)
		}
	}

	for key, gone := range c.tombstones {
		if now.Sub(gone) > c.timeout {
			delete(c.tombstones, key)
		}
	}

	return changed
}

// Counts returns the number of cached nodes per service type.
func (c *NodeCache) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]int)
	for key := range c.nodes {
		counts[key.serviceType]++
	}
	return counts
}
