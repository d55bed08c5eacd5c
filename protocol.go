package memcached

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-memcached/memcached/mcerr"
)

const maxExptimeDelta = 30 * 24 * time.Hour

// observeOp reports an operation's duration and, on failure, its mcerr.Kind
// to the pool's metrics collector, when one is attached.
func (p *Pool) observeOp(op string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	if err != nil {
		p.metrics.OpFailed(op, mcerr.KindOf(err).String())
		return
	}
	p.metrics.OpCompleted(op, time.Since(start))
}

// resolveExptime maps an expiration to memcached's wire format (§4.E): zero
// (or anything at/before the Unix epoch) means "never"; otherwise it is
// seconds from now, capped at 30 days.
func resolveExptime(exp time.Time) int64 {
	if exp.IsZero() || !exp.After(time.Unix(0, 0)) {
		return 0
	}
	delta := time.Until(exp)
	if delta > maxExptimeDelta {
		delta = maxExptimeDelta
	}
	if delta < 0 {
		delta = 0
	}
	return int64(delta.Seconds())
}

func (p *Pool) storeCommand(cmd, key string, v any, exp time.Time, opts codecOptions) (ok bool, err error) {
	start := time.Now()
	defer func() { p.observeOp(cmd, start, err) }()

	conn, err := p.getSockForKey(key, nil)
	if err != nil {
		return false, err
	}

	payload, flags, err := encodeValue(v, opts)
	if err != nil {
		p.checkIn(conn, true)
		return false, mcerr.Wrap(mcerr.KindCodec, cmd, err)
	}

	exptime := resolveExptime(exp)
	header := fmt.Sprintf("%s %s %d %d %d\r\n", cmd, key, flags, exptime, len(payload))

	if err := conn.writeBytes([]byte(header)); err != nil {
		conn.trueClose()
		return false, err
	}
	if err := conn.writeBytes(payload); err != nil {
		conn.trueClose()
		return false, err
	}
	if err := conn.writeBytes([]byte("\r\n")); err != nil {
		conn.trueClose()
		return false, err
	}
	if err := conn.flush(); err != nil {
		conn.trueClose()
		return false, err
	}

	line, err := conn.readLine()
	if err != nil {
		conn.trueClose()
		return false, err
	}

	switch line {
	case "STORED":
		p.checkIn(conn, true)
		return true, nil
	case "NOT_STORED":
		p.checkIn(conn, true)
		return false, nil
	default:
		p.log.Warn("unexpected store response", "cmd", cmd, "key", key, "line", line)
		p.checkIn(conn, true)
		return false, mcerr.New(mcerr.KindProtocol, cmd+" "+key)
	}
}

// Set implements §4.E's set.
func (p *Pool) Set(key string, v any, exp time.Time, opts codecOptions) (bool, error) {
	return p.storeCommand("set", key, v, exp, opts)
}

// Add implements §4.E's add.
func (p *Pool) Add(key string, v any, exp time.Time, opts codecOptions) (bool, error) {
	return p.storeCommand("add", key, v, exp, opts)
}

// Replace implements §4.E's replace.
func (p *Pool) Replace(key string, v any, exp time.Time, opts codecOptions) (bool, error) {
	return p.storeCommand("replace", key, v, exp, opts)
}

// StoreCounter implements §4.E's storeCounter: set with primitiveAsString=true.
func (p *Pool) StoreCounter(key string, n int64) (bool, error) {
	return p.storeCommand("set", key, n, time.Time{}, codecOptions{PrimitiveAsString: true})
}

// Get implements §4.E's single-key get.
func (p *Pool) Get(key string, asString bool) (v any, ok bool, err error) {
	start := time.Now()
	defer func() { p.observeOp("get", start, err) }()

	conn, err := p.getSockForKey(key, nil)
	if err != nil {
		return nil, false, err
	}

	if err := conn.writeBytes([]byte("get " + key + "\r\n")); err != nil {
		conn.trueClose()
		return nil, false, err
	}
	if err := conn.flush(); err != nil {
		conn.trueClose()
		return nil, false, err
	}

	values, err := p.readGetResponse(conn, asString)
	if err != nil {
		conn.trueClose()
		return nil, false, err
	}
	p.checkIn(conn, true)

	v, ok = values[key]
	return v, ok, nil
}

// GetCounter implements §4.E's getCounter: get with asString=true parsed as
// int64, returning -1 on any parse or lookup failure.
func (p *Pool) GetCounter(key string) int64 {
	v, ok, err := p.Get(key, true)
	if err != nil || !ok {
		return -1
	}
	s, ok := v.(string)
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// GetMulti implements §4.E's get-multi: keys are grouped by the host their
// hash resolves to, one checkout per host, multi-key "get" per checkout. A
// failure on one host excludes that host's keys from the result but does
// not affect other hosts.
func (p *Pool) GetMulti(keys []string, asString bool) (map[string]any, error) {
	p.mu.Lock()
	initialized := p.initialized
	n := len(p.buckets)
	p.mu.Unlock()
	if !initialized {
		return nil, mcerr.New(mcerr.KindConfig, "getMulti: pool not initialized")
	}
	if n == 0 {
		return nil, mcerr.New(mcerr.KindConfig, "getMulti: empty bucket vector")
	}

	byHost := make(map[string][]string)
	for _, k := range keys {
		hv := hashKey(p.cfg.HashAlg, k)
		p.mu.Lock()
		host := p.buckets[bucketIndex(hv, len(p.buckets))]
		p.mu.Unlock()
		byHost[host] = append(byHost[host], k)
	}

	result := make(map[string]any, len(keys))
	for host, hostKeys := range byHost {
		conn, err := p.getConnection(host)
		if err != nil {
			p.log.Warn("getMulti: host unavailable", "host", host, "err", err)
			continue
		}

		cmd := "get " + strings.Join(hostKeys, " ") + "\r\n"
		if err := conn.writeBytes([]byte(cmd)); err != nil {
			conn.trueClose()
			continue
		}
		if err := conn.flush(); err != nil {
			conn.trueClose()
			continue
		}

		values, err := p.readGetResponse(conn, asString)
		if err != nil {
			conn.trueClose()
			continue
		}
		p.checkIn(conn, true)

		for k, v := range values {
			result[k] = v
		}
	}

	return result, nil
}

// readGetResponse implements the VALUE/END loop shared by get and get-multi.
func (p *Pool) readGetResponse(conn *Connection, asString bool) (map[string]any, error) {
	result := make(map[string]any)
	for {
		line, err := conn.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return result, nil
		}

		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "VALUE" {
			return nil, mcerr.New(mcerr.KindProtocol, "get: malformed VALUE line: "+line)
		}
		key := fields[1]
		flags64, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, mcerr.Wrap(mcerr.KindProtocol, "get: bad flags", err)
		}
		length, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, mcerr.Wrap(mcerr.KindProtocol, "get: bad length", err)
		}

		body := make([]byte, length)
		if err := conn.readN(body); err != nil {
			return nil, err
		}
		if err := conn.clearEOL(); err != nil {
			return nil, err
		}

		v, err := decodeValue(body, uint32(flags64), asString)
		if err != nil {
			return nil, err
		}
		result[key] = v
	}
}

// Delete implements §4.E's delete.
func (p *Pool) Delete(key string, exp time.Time) (deleted bool, err error) {
	start := time.Now()
	defer func() { p.observeOp("delete", start, err) }()

	conn, err := p.getSockForKey(key, nil)
	if err != nil {
		return false, err
	}

	cmd := "delete " + key
	if !exp.IsZero() {
		cmd += " " + strconv.FormatInt(resolveExptime(exp), 10)
	}
	cmd += "\r\n"

	if err := conn.writeBytes([]byte(cmd)); err != nil {
		conn.trueClose()
		return false, err
	}
	if err := conn.flush(); err != nil {
		conn.trueClose()
		return false, err
	}

	line, err := conn.readLine()
	if err != nil {
		conn.trueClose()
		return false, err
	}

	switch line {
	case "DELETED":
		p.checkIn(conn, true)
		return true, nil
	case "NOT_FOUND":
		p.checkIn(conn, true)
		return false, nil
	default:
		p.log.Warn("unexpected delete response", "key", key, "line", line)
		p.checkIn(conn, true)
		return false, nil
	}
}

func (p *Pool) incrDecr(cmd, key string, delta int64) (result int64) {
	start := time.Now()
	result = -1
	defer func() {
		if p.metrics == nil {
			return
		}
		if result == -1 {
			p.metrics.OpFailed(cmd, mcerr.KindNotFound.String())
			return
		}
		p.metrics.OpCompleted(cmd, time.Since(start))
	}()

	conn, err := p.getSockForKey(key, nil)
	if err != nil {
		return -1
	}

	line := fmt.Sprintf("%s %s %d\r\n", cmd, key, delta)
	if err := conn.writeBytes([]byte(line)); err != nil {
		conn.trueClose()
		return -1
	}
	if err := conn.flush(); err != nil {
		conn.trueClose()
		return -1
	}

	resp, err := conn.readLine()
	if err != nil {
		conn.trueClose()
		return -1
	}
	p.checkIn(conn, true)

	if resp == "NOT_FOUND" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(resp), 10, 64)
	if err != nil {
		p.log.Warn("unexpected incr/decr response", "cmd", cmd, "key", key, "line", resp)
		return -1
	}
	return n
}

// Incr implements §4.E's incr.
func (p *Pool) Incr(key string, delta int64) int64 { return p.incrDecr("incr", key, delta) }

// Decr implements §4.E's decr.
func (p *Pool) Decr(key string, delta int64) int64 { return p.incrDecr("decr", key, delta) }

// FlushAll implements §4.E's flush_all across the given servers, or the
// whole configured server list when targets is empty. Aggregate success
// requires every target to succeed.
func (p *Pool) FlushAll(targets []string) bool {
	if len(targets) == 0 {
		targets = p.cfg.Servers
	}

	ok := true
	for _, host := range targets {
		conn, err := p.getConnection(host)
		if err != nil {
			ok = false
			continue
		}
		if err := conn.writeBytes([]byte("flush_all\r\n")); err != nil {
			conn.trueClose()
			ok = false
			continue
		}
		if err := conn.flush(); err != nil {
			conn.trueClose()
			ok = false
			continue
		}
		line, err := conn.readLine()
		if err != nil {
			conn.trueClose()
			ok = false
			continue
		}
		p.checkIn(conn, true)
		if line != "OK" {
			ok = false
		}
	}
	return ok
}

// Stats implements §4.E's stats across the given servers, or the whole
// configured server list when targets is empty.
func (p *Pool) Stats(targets []string) map[string]map[string]string {
	if len(targets) == 0 {
		targets = p.cfg.Servers
	}

	result := make(map[string]map[string]string, len(targets))
	for _, host := range targets {
		conn, err := p.getConnection(host)
		if err != nil {
			p.log.Warn("stats: host unavailable", "host", host, "err", err)
			continue
		}
		stats, err := p.readStats(conn)
		if err != nil {
			conn.trueClose()
			continue
		}
		p.checkIn(conn, true)
		result[host] = stats
	}
	return result
}

func (p *Pool) readStats(conn *Connection) (map[string]string, error) {
	if err := conn.writeBytes([]byte("stats\r\n")); err != nil {
		return nil, err
	}
	if err := conn.flush(); err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for {
		line, err := conn.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return stats, nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[0] != "STAT" {
			continue
		}
		stats[fields[1]] = fields[2]
	}
}
