package geoip

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
)

// fakeReader answers from a fixed table and records Close calls.
type fakeReader struct {
	mu     sync.Mutex
	table  map[string]Info
	closed bool
}

func (f *fakeReader) Lookup(ip netip.Addr) Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table[ip.String()]
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestLookup_NoDatabaseIsValid(t *testing.T) {
	s := NewService(ServiceConfig{OpenDB: NoOpOpen})
	defer s.Stop()

	if got := s.Lookup(netip.MustParseAddr("93.184.216.34")); got != (Info{}) {
		t.Fatalf("lookup with no reader = %+v, want zero Info", got)
	}
	if s.Loaded() {
		t.Fatal("Loaded should be false before any load")
	}
}

func TestStart_MissingDatabaseNotFatal(t *testing.T) {
	opened := 0
	s := NewService(ServiceConfig{
		CountryDBPath: "/nonexistent/country.mmdb",
		OpenDB: func(_, _ string) (GeoReader, error) {
			opened++
			return nil, errors.New("no such file")
		},
	})
	defer s.Stop()

	if err := s.Start(); err != nil {
		t.Fatalf("Start must not fail on a missing database: %v", err)
	}
	if opened != 1 {
		t.Fatalf("open attempts = %d, want 1", opened)
	}
	if got := s.Lookup(netip.MustParseAddr("93.184.216.34")); got != (Info{}) {
		t.Fatalf("lookup = %+v, want zero Info", got)
	}
}

func TestReloadNow_SwapsAndClosesOldReader(t *testing.T) {
	first := &fakeReader{table: map[string]Info{"1.2.3.4": {CountryCode: "DE", ASN: 3320}}}
	second := &fakeReader{table: map[string]Info{"1.2.3.4": {CountryCode: "FR", ASN: 3215}}}
	readers := []GeoReader{first, second}

	s := NewService(ServiceConfig{
		CountryDBPath: "country.mmdb",
		OpenDB: func(_, _ string) (GeoReader, error) {
			r := readers[0]
			readers = readers[1:]
			return r, nil
		},
	})
	defer s.Stop()

	if err := s.ReloadNow(); err != nil {
		t.Fatal(err)
	}
	got := s.Lookup(netip.MustParseAddr("1.2.3.4"))
	if got.CountryCode != "DE" || got.ASN != 3320 {
		t.Fatalf("first reader lookup = %+v", got)
	}

	if err := s.ReloadNow(); err != nil {
		t.Fatal(err)
	}
	got = s.Lookup(netip.MustParseAddr("1.2.3.4"))
	if got.CountryCode != "FR" {
		t.Fatalf("second reader lookup = %+v", got)
	}
	if !first.isClosed() {
		t.Fatal("old reader must be closed after swap")
	}
	if second.isClosed() {
		t.Fatal("current reader must stay open")
	}
}

func TestReloadNow_FailureKeepsPreviousReader(t *testing.T) {
	first := &fakeReader{table: map[string]Info{"1.2.3.4": {CountryCode: "DE"}}}
	calls := 0
	s := NewService(ServiceConfig{
		CountryDBPath: "country.mmdb",
		OpenDB: func(_, _ string) (GeoReader, error) {
			calls++
			if calls == 1 {
				return first, nil
			}
			return nil, errors.New("corrupt file")
		},
	})
	defer s.Stop()

	if err := s.ReloadNow(); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadNow(); err == nil {
		t.Fatal("corrupt reload should report an error")
	}
	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got.CountryCode != "DE" {
		t.Fatalf("failed reload must keep the previous reader, got %+v", got)
	}
	if first.isClosed() {
		t.Fatal("previous reader must not be closed on failed reload")
	}
}

func TestStop_ClosesReader(t *testing.T) {
	reader := &fakeReader{table: map[string]Info{}}
	s := NewService(ServiceConfig{
		CountryDBPath: "country.mmdb",
		OpenDB:        func(_, _ string) (GeoReader, error) { return reader, nil },
	})
	if err := s.ReloadNow(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	if !reader.isClosed() {
		t.Fatal("Stop must close the reader")
	}
	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got != (Info{}) {
		t.Fatalf("lookup after Stop = %+v, want zero Info", got)
	}
}
