package memcached

import "github.com/go-memcached/memcached/config"

// PoolConfigFromFile translates a loaded config.Config into the PoolConfig
// shape Initialize expects, expanding the server/weight entries and mapping
// the textual hash algorithm name to its HashAlg constant.
func PoolConfigFromFile(cfg *config.Config) PoolConfig {
	servers := make([]string, 0, len(cfg.Pool.Servers))
	weights := make([]int, 0, len(cfg.Pool.Servers))
	for _, s := range cfg.Pool.Servers {
		servers = append(servers, s.Address)
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		weights = append(weights, w)
	}

	return PoolConfig{
		Servers:                servers,
		Weights:                weights,
		InitConn:               cfg.Pool.InitConn,
		MinConn:                cfg.Pool.MinConn,
		MaxConn:                cfg.Pool.MaxConn,
		MaxIdleMs:              cfg.Pool.MaxIdleMs,
		MaxBusyMs:              cfg.Pool.MaxBusyMs,
		MaintSleepMs:           cfg.Pool.MaintSleepMs,
		ReadTimeoutMs:          cfg.Pool.ReadTimeoutMs,
		ConnectTimeoutMs:       cfg.Pool.ConnectTimeoutMs,
		Failover:               cfg.Pool.Failover,
		Nagle:                  cfg.Pool.Nagle,
		HashAlg:                hashAlgFromName(cfg.Pool.HashAlg),
		CompressEnable:         cfg.Codec.CompressEnable,
		CompressThresholdBytes: cfg.Codec.CompressThresholdBytes,
		PrimitiveAsString:      cfg.Codec.PrimitiveAsString,
		DefaultTextEncoding:    cfg.Codec.DefaultTextEncoding,
	}
}

func hashAlgFromName(name string) HashAlg {
	switch name {
	case "old_compat":
		return HashOldCompat
	case "new_compat":
		return HashNewCompat
	default:
		return HashNative
	}
}

// ClientOptionsFromFile builds the ClientOption set that tracks a Config's
// codec section, for wiring a config.Watcher's reload callback into a live
// Client's per-call policy (see cmd/memcbench for the end-to-end wiring).
func ClientOptionsFromFile(cfg *config.Config) []ClientOption {
	return []ClientOption{
		WithPrimitiveAsString(cfg.Codec.PrimitiveAsString),
		WithCompression(cfg.Codec.CompressEnable, cfg.Codec.CompressThresholdBytes),
		WithDefaultTextEncoding(cfg.Codec.DefaultTextEncoding),
	}
}
