package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetGenerateTimeout_NormalizesNegativeToZero(t *testing.T) {
	defer SetGenerateTimeout(0)
	SetGenerateTimeout(-5 * time.Second)
	if generateTimeout != 0 {
		t.Fatalf("expected 0, got %v", generateTimeout)
	}
	SetGenerateTimeout(3 * time.Second)
	if generateTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %v", generateTimeout)
	}
}
