package memcached

import (
	"testing"

	"github.com/go-memcached/memcached/config"
)

func TestPoolConfigFromFileExpandsServersAndWeights(t *testing.T) {
	cfg := &config.Config{
		Pool: config.PoolConfig{
			Servers: []config.ServerEntry{
				{Address: "a:11211", Weight: 2},
				{Address: "b:11211"}, // zero weight defaults to 1
			},
			InitConn: 5,
			HashAlg:  "old_compat",
		},
		Codec: config.CodecConfig{
			CompressEnable:         true,
			CompressThresholdBytes: 2048,
			PrimitiveAsString:      true,
			DefaultTextEncoding:    "UTF-8",
		},
	}

	pc := PoolConfigFromFile(cfg)

	if len(pc.Servers) != 2 || len(pc.Weights) != 2 {
		t.Fatalf("expected 2 servers/weights, got %d/%d", len(pc.Servers), len(pc.Weights))
	}
	if pc.Weights[0] != 2 || pc.Weights[1] != 1 {
		t.Errorf("Weights = %v, want [2 1]", pc.Weights)
	}
	if pc.InitConn != 5 {
		t.Errorf("InitConn = %d, want 5", pc.InitConn)
	}
	if pc.HashAlg != HashOldCompat {
		t.Errorf("HashAlg = %v, want HashOldCompat", pc.HashAlg)
	}
	if !pc.CompressEnable || pc.CompressThresholdBytes != 2048 {
		t.Error("expected codec compression settings to carry through")
	}
}

func TestHashAlgFromName(t *testing.T) {
	cases := map[string]HashAlg{
		"old_compat": HashOldCompat,
		"new_compat": HashNewCompat,
		"native":     HashNative,
		"":           HashNative,
		"bogus":      HashNative,
	}
	for name, want := range cases {
		if got := hashAlgFromName(name); got != want {
			t.Errorf("hashAlgFromName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestClientOptionsFromFile(t *testing.T) {
	cfg := &config.Config{
		Codec: config.CodecConfig{
			PrimitiveAsString:      true,
			CompressEnable:         true,
			CompressThresholdBytes: 999,
			DefaultTextEncoding:    "UTF-8",
		},
	}
	c := NewClient("x", ClientOptionsFromFile(cfg)...)
	if !c.primitiveAsString || !c.compressEnable || c.compressThresholdBytes != 999 {
		t.Errorf("client built from ClientOptionsFromFile missing expected settings: %+v", c)
	}
}
