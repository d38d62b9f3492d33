package tracing

import (
	"context"
	"testing"
)

func TestNewProvider_NoneIsNoopAndShutsDownCleanly(t *testing.T) {
	p, err := NewProvider(context.Background(), Options{ServiceName: "relay-test", Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("NewProvider() error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNewProvider_Stdout(t *testing.T) {
	p, err := NewProvider(context.Background(), Options{ServiceName: "relay-test", Exporter: ExporterStdout})
	if err != nil {
		t.Fatalf("NewProvider() error: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestNewProvider_UnknownExporterErrors(t *testing.T) {
	_, err := NewProvider(context.Background(), Options{ServiceName: "relay-test", Exporter: "bogus"})
	if err == nil {
		t.Fatal("NewProvider() with unknown exporter expected error, got nil")
	}
}

func TestShutdown_NilProviderIsNoop(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil provider error: %v", err)
	}
}
