package store

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryOpen_UnknownDriver(t *testing.T) {
	r := NewRegistry()

	_, err := r.Open(context.Background(), "mysql", "dsn")

	var unavailable *ErrDriverUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("got %v, want *ErrDriverUnavailable", err)
	}
	if unavailable.Driver != "mysql" {
		t.Errorf("Driver = %q, want mysql", unavailable.Driver)
	}
}

func TestRegistryOpen_RegisteredDriver(t *testing.T) {
	r := NewRegistry()
	var gotDSN string
	r.Register("fake", func(_ context.Context, dsn string) (Store, error) {
		gotDSN = dsn
		return nil, nil
	})

	if _, err := r.Open(context.Background(), "fake", "file:test.db"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if gotDSN != "file:test.db" {
		t.Errorf("factory got dsn %q", gotDSN)
	}
}

func TestRegistryRegister_Replaces(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(context.Context, string) (Store, error) {
		t.Error("replaced factory must not run")
		return nil, nil
	})
	called := false
	r.Register("fake", func(context.Context, string) (Store, error) {
		called = true
		return nil, nil
	})

	if _, err := r.Open(context.Background(), "fake", ""); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !called {
		t.Error("replacement factory not used")
	}
}

func TestDefaultRegistry_BuiltinDrivers(t *testing.T) {
	r := DefaultRegistry()

	for _, driver := range []string{"postgres", "sqlite"} {
		var unavailable *ErrDriverUnavailable
		// Opening sqlite with an in-memory DSN succeeds; postgres just
		// validates the DSN lazily. Either way the driver must be known.
		st, err := r.Open(context.Background(), driver, driverProbeDSN(driver))
		if errors.As(err, &unavailable) {
			t.Errorf("driver %q not registered", driver)
			continue
		}
		if st != nil {
			st.Close()
		}
	}
}

func driverProbeDSN(driver string) string {
	if driver == "sqlite" {
		return ":memory:"
	}
	return "postgres://localhost:5432/metergate"
}
