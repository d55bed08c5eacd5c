package memcached

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-memcached/memcached/mcerr"
)

func TestExpandBucketsDefaultWeight(t *testing.T) {
	buckets, weightOf := expandBuckets([]string{"a:1", "b:1"}, nil)
	if len(buckets) != 2 {
		t.Fatalf("len(buckets) = %d, want 2", len(buckets))
	}
	if weightOf["a:1"] != 1 || weightOf["b:1"] != 1 {
		t.Error("expected default weight 1 for unweighted servers")
	}
}

func TestExpandBucketsWeighted(t *testing.T) {
	buckets, weightOf := expandBuckets([]string{"a:1", "b:1"}, []int{3, 1})
	if len(buckets) != 4 {
		t.Fatalf("len(buckets) = %d, want 4 (sum of weights)", len(buckets))
	}
	if weightOf["a:1"] != 3 {
		t.Errorf("weightOf[a:1] = %d, want 3", weightOf["a:1"])
	}
	count := 0
	for _, b := range buckets {
		if b == "a:1" {
			count++
		}
	}
	if count != 3 {
		t.Errorf("a:1 appears %d times, want 3", count)
	}
}

func TestDistinctSortedHosts(t *testing.T) {
	hosts := distinctSortedHosts([]string{"b:1", "a:1", "b:1", "c:1"})
	want := []string{"a:1", "b:1", "c:1"}
	if len(hosts) != len(want) {
		t.Fatalf("got %v, want %v", hosts, want)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %q, want %q", i, hosts[i], want[i])
		}
	}
}

func TestMaxCreateForFloorsAtOne(t *testing.T) {
	p := &Pool{cfg: PoolConfig{MinConn: 2}}
	if got := p.maxCreateFor(); got != 1 {
		t.Errorf("maxCreateFor() = %d, want 1 (floor)", got)
	}
	p2 := &Pool{cfg: PoolConfig{MinConn: 12}}
	if got := p2.maxCreateFor(); got != 3 {
		t.Errorf("maxCreateFor() = %d, want 3 (12/4)", got)
	}
}

func TestGetOrCreatePoolReturnsSameInstance(t *testing.T) {
	defer RemovePool("t-singleton")
	p1 := GetOrCreatePool("t-singleton", PoolConfig{Servers: []string{"x:1"}})
	p2 := GetOrCreatePool("t-singleton", PoolConfig{Servers: []string{"y:1"}})
	if p1 != p2 {
		t.Error("GetOrCreatePool should return the same instance for a given name")
	}
}

// newEchoListener starts a listener that accepts connections and keeps them
// open without doing anything, enough for pool-level create/checkout tests
// that never exercise the wire protocol.
func newEchoListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return l
}

func TestInitializeCreateConnectionAndShutdown(t *testing.T) {
	l := newEchoListener(t)
	defer l.Close()

	defer RemovePool("t-init")
	p := GetOrCreatePool("t-init", PoolConfig{
		Servers:  []string{l.Addr().String()},
		InitConn: 2,
		MinConn:  2,
		MaxConn:  4,
	})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !p.IsInitialized() {
		t.Fatal("expected IsInitialized() == true")
	}

	host := l.Addr().String()
	p.mu.Lock()
	n := len(p.availByHost[host])
	p.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 initial connections, got %d", n)
	}

	p.Shutdown()
	if p.IsInitialized() {
		t.Error("expected IsInitialized() == false after Shutdown")
	}
}

func TestGetConnectionReuseThenCreate(t *testing.T) {
	l := newEchoListener(t)
	defer l.Close()
	host := l.Addr().String()

	defer RemovePool("t-getconn")
	p := GetOrCreatePool("t-getconn", PoolConfig{
		Servers:  []string{host},
		InitConn: 1,
		MinConn:  1,
		MaxConn:  4,
	})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown()

	c1, err := p.getConnection(host)
	if err != nil {
		t.Fatalf("getConnection: %v", err)
	}
	p.mu.Lock()
	_, busy := p.busyByHost[host][c1]
	p.mu.Unlock()
	if !busy {
		t.Error("checked-out connection should be tracked as busy")
	}

	// No available connections left: a second checkout must create a fresh one.
	c2, err := p.getConnection(host)
	if err != nil {
		t.Fatalf("getConnection (create path): %v", err)
	}
	if c1 == c2 {
		t.Error("expected a distinct connection when the pool had none available")
	}

	p.checkIn(c1, true)
	p.checkIn(c2, true)
}

func TestCreateConnectionDeadHostBackoff(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close() // nothing is listening now

	defer RemovePool("t-deadhost")
	p := GetOrCreatePool("t-deadhost", PoolConfig{
		Servers:  []string{addr},
		Failover: true,
	})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown()

	if _, err := p.createConnection(addr); err == nil {
		t.Fatal("expected createConnection to fail against a closed port")
	}

	// Immediately retrying must hit the backoff window, not attempt to dial.
	if _, err := p.createConnection(addr); mcerr.KindOf(err) != mcerr.KindDeadHost {
		t.Errorf("expected KindDeadHost on retry within backoff, got %v", err)
	}
}

// TestSelfMaintReclaimsHungCheckoutAndRefills drives the maintenance worker's
// logic directly (no ticker) to exercise the hung-checkout reap and the
// refill-to-MinConn resizing in one pass.
func TestSelfMaintReclaimsHungCheckoutAndRefills(t *testing.T) {
	l := newEchoListener(t)
	defer l.Close()
	host := l.Addr().String()

	defer RemovePool("t-selfmaint")
	p := GetOrCreatePool("t-selfmaint", PoolConfig{
		Servers:   []string{host},
		InitConn:  2,
		MinConn:   2,
		MaxConn:   4,
		MaxBusyMs: 10, // call p.selfMaint() directly below rather than wait out the real ticker interval
	})
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown()

	leaked, err := p.getConnection(host)
	if err != nil {
		t.Fatalf("getConnection: %v", err)
	}
	// Simulate a caller that checked out a connection and never checked it
	// back in.

	time.Sleep(20 * time.Millisecond) // exceed MaxBusyMs

	p.selfMaint()

	p.mu.Lock()
	_, stillBusy := p.busyByHost[host][leaked]
	availAfter := len(p.availByHost[host])
	p.mu.Unlock()

	if stillBusy {
		t.Error("expected the hung checkout to be removed from busy tracking")
	}
	if leaked.isConnected() {
		t.Error("expected the hung checkout's connection to have been closed")
	}
	if availAfter < p.cfg.MinConn {
		t.Errorf("expected pool to refill to MinConn=%d after reaping, got %d available", p.cfg.MinConn, availAfter)
	}
}

// findFailoverRehashKey searches for a key whose single retry-1 rehash
// (starting from hv=0, i.e. bucket 0) lands on bucket index want.
func findFailoverRehashKey(alg HashAlg, n, want int) string {
	for i := 0; ; i++ {
		k := fmt.Sprintf("fr%d", i)
		hv := hashKey(alg, failoverKey(1, k))
		if bucketIndex(hv, n) == want {
			return k
		}
	}
}

// TestGetSockForKeyFailoverRehash covers scenario 3: two servers, one
// unreachable. With Failover enabled, a key that initially resolves to the
// dead host must succeed after exactly one rehash onto the live host. With
// Failover disabled, the same key must fail immediately.
func TestGetSockForKeyFailoverRehash(t *testing.T) {
	live := newEchoListener(t)
	defer live.Close()
	liveAddr := live.Addr().String()

	deadListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := deadListener.Addr().String()
	deadListener.Close() // nothing listens here now

	servers := []string{deadAddr, liveAddr} // bucket 0 = dead, bucket 1 = live
	key := findFailoverRehashKey(HashNative, len(servers), 1)
	zero := int32(0) // forces the initial bucket lookup onto bucket 0 (dead)

	defer RemovePool("t-failover-on")
	pOn := GetOrCreatePool("t-failover-on", PoolConfig{
		Servers:  servers,
		Failover: true,
	})
	if err := pOn.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer pOn.Shutdown()

	conn, err := pOn.getSockForKey(key, &zero)
	if err != nil {
		t.Fatalf("expected failover to succeed after rehashing past the dead host, got: %v", err)
	}
	if conn.host != liveAddr {
		t.Errorf("conn.host = %q, want %q (the live host)", conn.host, liveAddr)
	}
	pOn.checkIn(conn, true)

	defer RemovePool("t-failover-off")
	pOff := GetOrCreatePool("t-failover-off", PoolConfig{
		Servers:  servers,
		Failover: false,
	})
	if err := pOff.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer pOff.Shutdown()

	conn2, err := pOff.getSockForKey(key, &zero)
	if err == nil {
		t.Fatal("expected getSockForKey to fail fast against the dead host when Failover is disabled")
	}
	if conn2 != nil {
		t.Error("expected a nil connection on failure")
	}
}
