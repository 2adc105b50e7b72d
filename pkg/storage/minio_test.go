package storage

import (
	"context"
	"testing"

	"tinydist/internal/config"
)

func TestObjectName(t *testing.T) {
	if got := ObjectName("report.bin"); got != "files/report.bin" {
		t.Fatalf("ObjectName = %q", got)
	}
}

func TestNewMirrorDisabled(t *testing.T) {
	m, err := NewMirror(context.Background(), config.MinIOConfig{})
	if err != nil || m != nil {
		t.Fatalf("NewMirror disabled = %v, %v; want nil, nil", m, err)
	}
}
