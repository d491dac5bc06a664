// Package geoip answers country and ASN lookups for client addresses. The
// databases are optional: a service with nothing loaded is valid and every
// lookup returns the zero Info.
package geoip

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Info is the result of one address lookup. Zero fields mean "unknown".
type Info struct {
	CountryCode string
	ASN         uint32
	ASOrg       string
}

// GeoReader abstracts the database reader. The interface keeps the service
// testable without mmdb fixtures on disk.
type GeoReader interface {
	Lookup(ip netip.Addr) Info
	Close() error
}

// OpenFunc opens the country and ASN databases. Either path may be empty;
// the returned reader answers what it can.
type OpenFunc func(countryPath, asnPath string) (GeoReader, error)

type noOpReader struct{}

func (noOpReader) Lookup(_ netip.Addr) Info { return Info{} }
func (noOpReader) Close() error             { return nil }

// NoOpOpen returns a reader that knows nothing. Test hook.
func NoOpOpen(_, _ string) (GeoReader, error) { return noOpReader{}, nil }

// MaxMindOpen opens MaxMind-format mmdb files. Production OpenFunc.
func MaxMindOpen(countryPath, asnPath string) (GeoReader, error) {
	r := &maxmindReader{}
	if countryPath != "" {
		db, err := maxminddb.Open(countryPath)
		if err != nil {
			return nil, fmt.Errorf("geoip: open country db %s: %w", countryPath, err)
		}
		r.country = db
	}
	if asnPath != "" {
		db, err := maxminddb.Open(asnPath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("geoip: open asn db %s: %w", asnPath, err)
		}
		r.asn = db
	}
	return r, nil
}

type maxmindReader struct {
	country *maxminddb.Reader
	asn     *maxminddb.Reader
}

func (r *maxmindReader) Lookup(ip netip.Addr) Info {
	var info Info
	if !ip.IsValid() {
		return info
	}
	raw := ip.Unmap().AsSlice()
	if r.country != nil {
		var rec struct {
			Country struct {
				ISOCode string `maxminddb:"iso_code"`
			} `maxminddb:"country"`
		}
		if err := r.country.Lookup(raw, &rec); err == nil {
			info.CountryCode = rec.Country.ISOCode
		}
	}
	if r.asn != nil {
		var rec struct {
			ASN   uint32 `maxminddb:"autonomous_system_number"`
			ASOrg string `maxminddb:"autonomous_system_organization"`
		}
		if err := r.asn.Lookup(raw, &rec); err == nil {
			info.ASN = rec.ASN
			info.ASOrg = rec.ASOrg
		}
	}
	return info
}

func (r *maxmindReader) Close() error {
	if r.country != nil {
		r.country.Close()
	}
	if r.asn != nil {
		r.asn.Close()
	}
	return nil
}

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	CountryDBPath  string
	ASNDBPath      string
	ReloadSchedule string // cron expression, default "30 4 * * *"
	OpenDB         OpenFunc
}

// Service provides lookups with hot reloading: operators replace the mmdb
// files on disk and the cron job picks them up, or call ReloadNow.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first successful load

	countryPath string
	asnPath     string
	openDB      OpenFunc
	cron        *cron.Cron
	reloadMu    sync.Mutex // serializes ReloadNow

	loadedMtime time.Time
}

// NewService creates the service. Call Start to load and begin the reload
// schedule.
func NewService(cfg ServiceConfig) *Service {
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "30 4 * * *"
	}
	s := &Service{
		countryPath: cfg.CountryDBPath,
		asnPath:     cfg.ASNDBPath,
		openDB:      cfg.OpenDB,
		cron:        cron.New(),
	}
	if s.openDB == nil {
		s.openDB = MaxMindOpen
	}
	if _, err := s.cron.AddFunc(cfg.ReloadSchedule, func() {
		if err := s.ReloadNow(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	}); err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", cfg.ReloadSchedule, err)
	}
	return s
}

// Start loads whatever databases are configured and starts the scheduler.
// Missing files are not fatal: the service runs empty until they appear.
func (s *Service) Start() error {
	if s.countryPath == "" && s.asnPath == "" {
		log.Println("[geoip] no databases configured, lookups disabled")
	} else if err := s.ReloadNow(); err != nil {
		log.Printf("[geoip] initial load failed, lookups disabled until reload: %v", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup returns what is known about ip. Safe with no database loaded.
func (s *Service) Lookup(ip netip.Addr) Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return Info{}
	}
	return s.reader.Lookup(ip)
}

// Loaded reports whether a database is currently serving lookups.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader != nil
}

// ReloadNow reopens the databases from disk. A reload that fails leaves the
// previous reader serving.
func (s *Service) ReloadNow() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.countryPath == "" && s.asnPath == "" {
		return nil
	}
	newReader, err := s.openDB(s.countryPath, s.asnPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	// All RLock holders on the old reader have released by now.
	if old != nil {
		old.Close()
	}
	s.loadedMtime = s.dbMtime()
	log.Println("[geoip] databases reloaded")
	return nil
}

// LastLoaded returns the newest database mtime at the time of the last
// successful load.
func (s *Service) LastLoaded() time.Time {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.loadedMtime
}

func (s *Service) dbMtime() time.Time {
	var newest time.Time
	for _, path := range []string{s.countryPath, s.asnPath} {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
