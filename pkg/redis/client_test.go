package redis

import "testing"

func TestParseURLDefaults(t *testing.T) {
	opts, err := ParseURL("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 {
		t.Fatalf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}
	if opts.DialTimeout != defaultDialTimeout || opts.ReadTimeout != defaultDialTimeout {
		t.Fatalf("expected default timeouts, got dial=%s read=%s", opts.DialTimeout, opts.ReadTimeout)
	}
}

func TestParseURLErrors(t *testing.T) {
	if _, err := ParseURL(""); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := ParseURL("http://localhost"); err == nil {
		t.Fatal("expected error for non-redis scheme")
	}
}
