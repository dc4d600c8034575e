package ssdp

import (
	"testing"
	"time"
)

const mediaServer = "urn:schemas-upnp-org:device:MediaServer:1"

func TestCacheAliveAndQuery(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	if !c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0) {
		t.Fatal("first sighting should change the cache")
	}
	if c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0.Add(time.Second)) {
		t.Fatal("refresh should not report a change")
	}

	got := c.Query(mediaServer, t0.Add(2*time.Second))
	if len(got) != 1 || got[0].UUID != "uuid:a" {
		t.Fatalf("query = %v", got)
	}
	if len(c.Query("upnp:rootdevice", t0)) != 0 {
		t.Fatal("other service types should not match")
	}
}

func TestCachePrefersLocalLocation(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:a", "http://203.0.113.4/d.xml", t0)
	c.Alive(mediaServer, "uuid:a", "http://127.0.0.1/d.xml", t0)
	c.Alive(mediaServer, "uuid:a", "http://10.0.0.4/d.xml", t0.Add(time.Second))

	got := c.Query(mediaServer, t0.Add(2*time.Second))
	if len(got) != 1 || got[0].Location != "http://127.0.0.1/d.xml" {
		t.Fatalf("query = %v", got)
	}
}

func TestCacheOrdersNodesByPreference(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:b", "http://10.0.0.4/d.xml", t0)
	c.Alive(mediaServer, "uuid:c", "http://192.168.0.4/d.xml", t0)
	c.Alive(mediaServer, "uuid:a", "http://10.0.0.5/d.xml", t0)

	got := c.Query(mediaServer, t0)
	if len(got) != 3 || got[0].UUID != "uuid:c" || got[1].UUID != "uuid:a" || got[2].UUID != "uuid:b" {
		t.Fatalf("query = %v", got)
	}
}

func TestCacheByebyeWinsOverOlderAlive(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0)
	if !c.Byebye(mediaServer, "uuid:a", t0.Add(2*time.Second)) {
		t.Fatal("byebye should remove the node")
	}

	// an alive that left the wire before the byebye but was applied after it
	if c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0.Add(time.Second)) {
		t.Fatal("stale alive must not resurrect the node")
	}
	if len(c.Query(mediaServer, t0.Add(3*time.Second))) != 0 {
		t.Fatal("node should be gone")
	}

	if !c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0.Add(3*time.Second)) {
		t.Fatal("newer alive should bring the node back")
	}
}

func TestCacheByebyeIsScopedToType(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0)
	c.Alive("upnp:rootdevice", "uuid:a", "http://192.168.1.5/d.xml", t0)
	c.Byebye("upnp:rootdevice", "uuid:a", t0.Add(time.Second))

	if len(c.Query(mediaServer, t0.Add(time.Second))) != 1 {
		t.Fatal("byebye for one type must not remove another")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0)
	c.Byebye(mediaServer, "uuid:z", t0)

	if len(c.Query(mediaServer, t0.Add(2*time.Minute))) != 0 {
		t.Fatal("expired nodes must not be returned")
	}
	if !c.Sweep(t0.Add(2 * time.Minute)) {
		t.Fatal("sweep should report the eviction")
	}
	if c.Sweep(t0.Add(3 * time.Minute)) {
		t.Fatal("second sweep has nothing to evict")
	}
	if len(c.Counts()) != 0 {
		t.Fatalf("counts = %v", c.Counts())
	}
	if len(c.tombstones) != 0 {
		t.Fatal("stale tombstones should be forgotten")
	}
}

func TestCacheAliveRevivesExpiredSighting(t *testing.T) {
	c := NewNodeCache(time.Minute)
	t0 := time.Unix(1000, 0)

	c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", t0)
	later := t0.Add(2 * time.Minute)
	if len(c.Query(mediaServer, later)) != 0 {
		t.Fatal("expired node returned")
	}
	// no sweep in between: the stale sighting is still stored
	if !c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", later) {
		t.Fatal("revived node should report a change")
	}
	if len(c.Query(mediaServer, later)) != 1 {
		t.Fatal("revived node missing")
	}
	if c.Alive(mediaServer, "uuid:a", "http://192.168.1.5/d.xml", later.Add(time.Second)) {
		t.Fatal("fresh refresh should not report a change")
	}
}
