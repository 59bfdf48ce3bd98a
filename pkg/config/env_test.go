package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	if got := GetEnv("FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("FOO", "baz")
	if got := GetEnv("FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("NUM", "")
	if got := GetEnvInt("NUM", 42); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("NUM", "100")
	if got := GetEnvInt("NUM", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	t.Setenv("NUM", "notint")
	if got := GetEnvInt("NUM", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG", "")
	if got := GetEnvBool("FLAG", true); got != true {
		t.Fatalf("expected true default, got %v", got)
	}
	t.Setenv("FLAG", "false")
	if got := GetEnvBool("FLAG", true); got != false {
		t.Fatalf("expected false, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "warn")
	if GetLogLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level")
	}
	t.Setenv("LOG_LEVEL", "error")
	if GetLogLevel() != logrus.ErrorLevel {
		t.Fatalf("expected error level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("BIG", "")
	if got := GetEnvInt64("BIG", 5); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	t.Setenv("BIG", "9000000000")
	if got := GetEnvInt64("BIG", 5); got != 9000000000 {
		t.Fatalf("expected 9000000000, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WAIT", "")
	if got := GetEnvDuration("WAIT", time.Minute); got != time.Minute {
		t.Fatalf("expected default, got %s", got)
	}
	t.Setenv("WAIT", "45")
	if got := GetEnvDuration("WAIT", time.Minute); got != 45*time.Second {
		t.Fatalf("expected bare int as seconds, got %s", got)
	}
	t.Setenv("WAIT", "15m")
	if got := GetEnvDuration("WAIT", time.Minute); got != 15*time.Minute {
		t.Fatalf("expected 15m, got %s", got)
	}
	t.Setenv("WAIT", "soon")
	if got := GetEnvDuration("WAIT", time.Minute); got != time.Minute {
		t.Fatalf("expected default on parse error, got %s", got)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("RELAYS", " wss://a , ,wss://b,")
	got := GetEnvList("RELAYS", nil)
	if !reflect.DeepEqual(got, []string{"wss://a", "wss://b"}) {
		t.Fatalf("unexpected list %v", got)
	}
	t.Setenv("RELAYS", "")
	if got := GetEnvList("RELAYS", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected default list, got %v", got)
	}
}

func TestLoadEnv_NoFile(t *testing.T) {
	// Should not panic or error; just log debug
	logger := logrus.New()
	LoadEnv(logger)
}
