package memcached

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-memcached/memcached/internal/metrics"
	"github.com/go-memcached/memcached/mcerr"
)

const poolMultiplier = 4

// PoolConfig is the configuration surface of a Pool (§3, §4.D).
type PoolConfig struct {
	Servers []string
	Weights []int // parallel to Servers; 0 or missing entries default to 1

	InitConn int
	MinConn  int
	MaxConn  int

	MaxIdleMs    int
	MaxBusyMs    int
	MaintSleepMs int // 0 selects the 5000 ms default; a negative value disables the maintenance worker

	ReadTimeoutMs    int
	ConnectTimeoutMs int // 0 = blocking connect

	Failover bool
	Nagle    bool

	HashAlg HashAlg

	CompressEnable         bool
	CompressThresholdBytes int
	PrimitiveAsString      bool
	DefaultTextEncoding    string
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.InitConn == 0 {
		c.InitConn = 3
	}
	if c.MinConn == 0 {
		c.MinConn = 3
	}
	if c.MaxConn == 0 {
		c.MaxConn = 10
	}
	if c.MaxIdleMs == 0 {
		c.MaxIdleMs = 3 * 60 * 1000
	}
	if c.MaxBusyMs == 0 {
		c.MaxBusyMs = 5 * 60 * 1000
	}
	if c.MaintSleepMs == 0 {
		c.MaintSleepMs = 5000
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = 10000
	}
	if c.CompressThresholdBytes == 0 {
		c.CompressThresholdBytes = 30720
	}
	if c.DefaultTextEncoding == "" {
		c.DefaultTextEncoding = "UTF-8"
	}
	return c
}

// Pool owns one weighted bucket vector, its per-host available/busy
// connection sets, and the dead-host backoff and maintenance worker that
// keep the vector usable (§4.D).
type Pool struct {
	mu sync.Mutex

	name string
	cfg  PoolConfig

	buckets  []string // weighted expansion, stable insertion order
	hostSet  []string // sorted distinct hosts, for "ensure present"
	weightOf map[string]int

	availByHost map[string][]*Connection
	busyByHost  map[string]map[*Connection]struct{}

	deadSince    map[string]time.Time
	deadDuration map[string]time.Duration

	createShift map[string]int

	initialized bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	log     *slog.Logger
	metrics *metrics.Collector
}

// SetMetrics attaches a Prometheus collector; pool internals report into it
// whenever it is non-nil. Call before Initialize for complete coverage.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Pool{}
)

// GetOrCreatePool implements §4.D's Factory/getInstance: returns the named
// pool if one is already registered, otherwise registers (but does not
// initialize) a new one built from cfg.
func GetOrCreatePool(name string, cfg PoolConfig) *Pool {
	if name == "" {
		name = "default"
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[name]; ok {
		return p
	}
	p := &Pool{
		name: name,
		cfg:  cfg.withDefaults(),
		log:  slog.Default().With("pool", name),
	}
	registry[name] = p
	return p
}

// RemovePool unregisters a pool, shutting it down first if initialized.
// Intended for tests and process teardown.
func RemovePool(name string) {
	registryMu.Lock()
	p, ok := registry[name]
	delete(registry, name)
	registryMu.Unlock()
	if ok {
		p.Shutdown()
	}
}

// Initialize builds the bucket vector and eagerly dials InitConn connections
// per host, tolerating and logging per-connection failures. Idempotent: a
// second call while already initialized logs and returns (§4.D).
func (p *Pool) Initialize() error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		p.log.Info("pool already initialized")
		return nil
	}
	if len(p.cfg.Servers) == 0 {
		p.mu.Unlock()
		return mcerr.New(mcerr.KindConfig, "initialize: no servers configured")
	}

	p.buckets, p.weightOf = expandBuckets(p.cfg.Servers, p.cfg.Weights)
	p.hostSet = distinctSortedHosts(p.cfg.Servers)
	p.availByHost = make(map[string][]*Connection)
	p.busyByHost = make(map[string]map[*Connection]struct{})
	p.deadSince = make(map[string]time.Time)
	p.deadDuration = make(map[string]time.Duration)
	p.createShift = make(map[string]int)
	p.stopCh = make(chan struct{})
	p.initialized = true

	hosts := p.hostSet
	p.mu.Unlock()

	for _, h := range hosts {
		for i := 0; i < p.cfg.InitConn; i++ {
			c, err := p.createConnection(h)
			if err != nil {
				p.log.Warn("initial connection failed", "host", h, "err", err)
				continue
			}
			p.mu.Lock()
			p.availByHost[h] = append(p.availByHost[h], c)
			p.mu.Unlock()
		}
	}

	if p.cfg.MaintSleepMs > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}

	return nil
}

func expandBuckets(servers []string, weights []int) ([]string, map[string]int) {
	buckets := make([]string, 0, len(servers))
	weightOf := make(map[string]int, len(servers))
	for i, s := range servers {
		w := 1
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		weightOf[s] = w
		for j := 0; j < w; j++ {
			buckets = append(buckets, s)
		}
	}
	return buckets, weightOf
}

func distinctSortedHosts(servers []string) []string {
	seen := make(map[string]struct{}, len(servers))
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ensureHostPresent re-adds host's weighted entries to the bucket vector if
// it is missing from the sorted host set, per createConnection step 2.
func (p *Pool) ensureHostPresent(host string) {
	i := sort.SearchStrings(p.hostSet, host)
	if i < len(p.hostSet) && p.hostSet[i] == host {
		return
	}
	p.hostSet = append(p.hostSet, "")
	copy(p.hostSet[i+1:], p.hostSet[i:])
	p.hostSet[i] = host

	w := p.weightOf[host]
	if w < 1 {
		w = 1
	}
	for j := 0; j < w; j++ {
		p.buckets = append(p.buckets, host)
	}
}

// createConnection implements §4.D's createConnection(host).
func (p *Pool) createConnection(host string) (*Connection, error) {
	p.mu.Lock()
	if p.cfg.Failover {
		if since, dead := p.deadSince[host]; dead {
			if time.Now().Before(since.Add(p.deadDuration[host])) {
				p.mu.Unlock()
				return nil, mcerr.New(mcerr.KindDeadHost, "createConnection "+host)
			}
		}
	}
	p.mu.Unlock()

	c, err := dialConnection(host, p.cfg.ConnectTimeoutMs, p.cfg.ReadTimeoutMs, p.cfg.Nagle)
	if err != nil {
		p.mu.Lock()
		prev, ok := p.deadDuration[host]
		if !ok {
			prev = 500 * time.Millisecond
		}
		p.deadSince[host] = time.Now()
		p.deadDuration[host] = prev * 2
		stale := p.availByHost[host]
		delete(p.availByHost, host)
		m := p.metrics
		p.mu.Unlock()
		// Closed outside the lock: trueClose re-acquires p.mu via removeBusy.
		for _, conn := range stale {
			conn.trueClose()
		}
		if m != nil {
			m.SetDeadHost(host, true)
		}
		return nil, err
	}

	c.pool = p
	p.mu.Lock()
	delete(p.deadSince, host)
	delete(p.deadDuration, host)
	p.ensureHostPresent(host)
	m := p.metrics
	p.mu.Unlock()
	if m != nil {
		m.SetDeadHost(host, false)
		m.ConnectionCreated(host)
	}

	return c, nil
}

// getSockForKey implements §4.D/§4.B's routing with failover rehash.
func (p *Pool) getSockForKey(key string, optionalHashCode *int32) (*Connection, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, mcerr.New(mcerr.KindConfig, "getSockForKey: pool not initialized")
	}
	n := len(p.buckets)
	if n == 0 {
		p.mu.Unlock()
		return nil, mcerr.New(mcerr.KindConfig, "getSockForKey: empty bucket vector")
	}
	if n == 1 {
		host := p.buckets[0]
		p.mu.Unlock()
		return p.getConnection(host)
	}
	p.mu.Unlock()

	var hv int32
	if optionalHashCode != nil {
		hv = *optionalHashCode
	} else {
		hv = hashKey(p.cfg.HashAlg, key)
	}

	for retry := 0; retry < n; retry++ {
		p.mu.Lock()
		idx := bucketIndex(hv, len(p.buckets))
		host := p.buckets[idx]
		p.mu.Unlock()

		conn, err := p.getConnection(host)
		if err == nil {
			return conn, nil
		}
		if !p.cfg.Failover {
			return nil, err
		}
		hv += hashKey(p.cfg.HashAlg, failoverKey(retry+1, key))
	}
	return nil, mcerr.New(mcerr.KindIO, "getSockForKey: exhausted failover retries")
}

// getConnection implements §4.D's getConnection(host): reuse an available
// connection, or create a shift-sized batch when none is ready.
func (p *Pool) getConnection(host string) (*Connection, error) {
	p.mu.Lock()
	avail := p.availByHost[host]
	for len(avail) > 0 {
		c := avail[len(avail)-1]
		avail = avail[:len(avail)-1]
		if !c.isConnected() {
			continue
		}
		p.availByHost[host] = avail
		p.addBusyLocked(host, c)
		c.markCheckedOut()
		p.mu.Unlock()
		return c, nil
	}
	p.availByHost[host] = avail

	shift := p.createShift[host]
	maxCreate := p.maxCreateFor()
	create := 1 << shift
	if create > maxCreate {
		create = maxCreate
	}
	if create < maxCreate {
		p.createShift[host] = shift + 1
	}
	p.mu.Unlock()

	created := make([]*Connection, 0, create)
	for i := 0; i < create; i++ {
		c, err := p.createConnection(host)
		if err != nil {
			break
		}
		created = append(created, c)
	}
	if len(created) == 0 {
		if p.metrics != nil {
			p.metrics.PoolExhausted(host)
		}
		return nil, mcerr.New(mcerr.KindIO, "getConnection: unable to create connection for "+host)
	}

	result := created[len(created)-1]
	rest := created[:len(created)-1]

	p.mu.Lock()
	p.addBusyLocked(host, result)
	p.availByHost[host] = append(p.availByHost[host], rest...)
	p.mu.Unlock()
	result.markCheckedOut()

	return result, nil
}

// maxCreateFor derives maxCreate per §4.D: max(1, floor(minConn / poolMultiplier)).
func (p *Pool) maxCreateFor() int {
	maxCreate := p.cfg.MinConn / poolMultiplier
	if maxCreate < 1 {
		maxCreate = 1
	}
	return maxCreate
}

func (p *Pool) addBusyLocked(host string, c *Connection) {
	m, ok := p.busyByHost[host]
	if !ok {
		m = make(map[*Connection]struct{})
		p.busyByHost[host] = m
	}
	m[c] = struct{}{}
}

// checkIn implements §4.D's checkIn(conn, addToAvail).
func (p *Pool) checkIn(c *Connection, addToAvail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.busyByHost[c.host]; ok {
		delete(m, c)
	}
	if addToAvail && c.isConnected() {
		c.touch()
		p.availByHost[c.host] = append(p.availByHost[c.host], c)
	}
}

// removeBusy is called by Connection.trueClose to drop itself out of busy.
func (p *Pool) removeBusy(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.busyByHost[c.host]; ok {
		delete(m, c)
	}
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.MaintSleepMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.selfMaint()
		case <-p.stopCh:
			return
		}
	}
}

// selfMaint implements §4.D's background resizing and hung-checkout reaping.
func (p *Pool) selfMaint() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	hosts := append([]string(nil), p.hostSet...)
	p.mu.Unlock()

	for _, host := range hosts {
		p.mu.Lock()
		avail := p.availByHost[host]
		n := len(avail)
		minConn := p.cfg.MinConn
		maxConn := p.cfg.MaxConn
		p.mu.Unlock()

		switch {
		case n < minConn:
			need := minConn - n
			for i := 0; i < need; i++ {
				c, err := p.createConnection(host)
				if err != nil {
					break
				}
				p.mu.Lock()
				p.availByHost[host] = append(p.availByHost[host], c)
				p.mu.Unlock()
			}
		case n > maxConn:
			diff := n - maxConn
			needToClose := diff
			if diff > poolMultiplier {
				needToClose = diff / poolMultiplier
			}
			now := time.Now()
			maxIdle := time.Duration(p.cfg.MaxIdleMs) * time.Millisecond

			p.mu.Lock()
			avail = p.availByHost[host]
			kept := make([]*Connection, 0, len(avail))
			var victims []*Connection
			for _, c := range avail {
				if needToClose > 0 && c.idleSince().Add(maxIdle).Before(now) {
					victims = append(victims, c)
					needToClose--
					continue
				}
				kept = append(kept, c)
			}
			p.availByHost[host] = kept
			p.mu.Unlock()

			for _, c := range victims {
				c.trueClose()
			}
		}

		p.mu.Lock()
		p.createShift[host] = 0
		availCount := len(p.availByHost[host])
		busyCount := len(p.busyByHost[host])
		m := p.metrics
		p.mu.Unlock()
		if m != nil {
			m.SetPoolConnections(host, availCount, busyCount)
		}
	}

	p.reapHungCheckouts()
}

func (p *Pool) reapHungCheckouts() {
	maxBusy := time.Duration(p.cfg.MaxBusyMs) * time.Millisecond
	now := time.Now()

	p.mu.Lock()
	var victims []*Connection
	for host, m := range p.busyByHost {
		for c := range m {
			if c.checkedOutSince().Add(maxBusy).Before(now) {
				victims = append(victims, c)
				p.log.Warn("reclaiming hung checkout", "host", host)
			}
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		c.trueClose()
	}
}

// Shutdown implements §4.D's Shutdown: stop maintenance, close every
// connection, reset state, flip initialized to false.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	avail := p.availByHost
	busy := p.busyByHost
	hosts := p.hostSet
	m := p.metrics
	p.availByHost = nil
	p.busyByHost = nil
	p.deadSince = nil
	p.deadDuration = nil
	p.createShift = nil
	p.buckets = nil
	p.hostSet = nil
	p.initialized = false
	p.mu.Unlock()

	if m != nil {
		for _, h := range hosts {
			m.RemoveHost(h)
		}
	}

	p.wg.Wait()

	for _, conns := range avail {
		for _, c := range conns {
			c.trueClose()
		}
	}
	for _, m := range busy {
		for c := range m {
			c.trueClose()
		}
	}
}

// IsInitialized reports whether Initialize has succeeded and Shutdown has
// not since been called.
func (p *Pool) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}
