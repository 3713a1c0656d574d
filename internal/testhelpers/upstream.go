// Package testhelpers provides a stub forecast API for tests that exercise the
// real client end to end.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/rain-advisory-service/internal/client"
)

// TestAPIKey passes the client's key length check.
const TestAPIKey = "test-api-key-123"

// StubBlock is the first forecast block served for a city.
type StubBlock struct {
	Temp      float64
	FeelsLike float64
	Humidity  float64
	Wind      float64
	RainMM    float64 // 0 omits the rain object
	Pop       float64
	Lat, Lon  float64
}

// StubUpstream serves /data/2.5/forecast and /data/2.5/find from in-memory
// fixtures. Unknown cities get a 404.
type StubUpstream struct {
	Server *httptest.Server

	mu       sync.Mutex
	cities   map[string]StubBlock
	statuses map[string]int
	empty    map[string]bool
	raw      map[string]string
	nearby   []string

	forecastCalls atomic.Int32
	findCalls     atomic.Int32
}

// NewStubUpstream starts a stub closed on test cleanup.
func NewStubUpstream(t testing.TB) *StubUpstream {
	t.Helper()
	s := &StubUpstream{
		cities:   make(map[string]StubBlock),
		statuses: make(map[string]int),
		empty:    make(map[string]bool),
		raw:      make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func key(city string) string { return strings.ToLower(strings.TrimSpace(city)) }

// SetCity serves b as the forecast for city.
func (s *StubUpstream) SetCity(city string, b StubBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cities[key(city)] = b
}

// SetStatus makes forecast requests for city fail with status.
func (s *StubUpstream) SetStatus(city string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key(city)] = status
}

// SetEmpty makes city return 200 with an empty list.
func (s *StubUpstream) SetEmpty(city string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.empty[key(city)] = true
}

// SetRawBlock serves block verbatim as the only forecast block for city.
func (s *StubUpstream) SetRawBlock(city, block string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[key(city)] = block
}

// SetNearby sets the names returned by /find.
func (s *StubUpstream) SetNearby(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nearby = names
}

func (s *StubUpstream) ForecastURL() string { return s.Server.URL + "/data/2.5/forecast" }
func (s *StubUpstream) FindURL() string     { return s.Server.URL + "/data/2.5/find" }

// ForecastCalls returns the number of forecast requests served.
func (s *StubUpstream) ForecastCalls() int { return int(s.forecastCalls.Load()) }

// FindCalls returns the number of find requests served.
func (s *StubUpstream) FindCalls() int { return int(s.findCalls.Load()) }

// Client returns a real client pointed at the stub.
func (s *StubUpstream) Client(t testing.TB) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(TestAPIKey, client.Options{
		ForecastURL: s.ForecastURL(),
		FindURL:     s.FindURL(),
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func (s *StubUpstream) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/forecast"):
		s.forecastCalls.Add(1)
		s.serveForecast(w, r.URL.Query().Get("q"))
	case strings.HasSuffix(r.URL.Path, "/find"):
		s.findCalls.Add(1)
		s.serveFind(w)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"cod":"404","message":"unknown endpoint"}`))
	}
}

func (s *StubUpstream) serveForecast(w http.ResponseWriter, city string) {
	s.mu.Lock()
	status, failing := s.statuses[key(city)]
	empty := s.empty[key(city)]
	b, known := s.cities[key(city)]
	raw, isRaw := s.raw[key(city)]
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"cod":"` + http.StatusText(status) + `","message":"stub failure"}`))
		return
	case empty:
		_, _ = w.Write([]byte(`{"cod":"200","cnt":0,"list":[],"city":{"name":"` + city + `"}}`))
		return
	case isRaw:
		_, _ = w.Write([]byte(`{"cod":"200","cnt":1,"list":[` + raw + `],"city":{"name":"` + city + `"}}`))
		return
	case !known:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
		return
	}

	block := map[string]interface{}{
		"dt":   1700000000,
		"main": map[string]float64{"temp": b.Temp, "feels_like": b.FeelsLike, "humidity": b.Humidity},
		"wind": map[string]float64{"speed": b.Wind},
		"pop":  b.Pop,
	}
	if b.RainMM > 0 {
		block["rain"] = map[string]float64{"3h": b.RainMM}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"cod":  "200",
		"cnt":  1,
		"list": []interface{}{block},
		"city": map[string]interface{}{
			"name":  city,
			"coord": map[string]float64{"lat": b.Lat, "lon": b.Lon},
		},
	})
}

func (s *StubUpstream) serveFind(w http.ResponseWriter) {
	s.mu.Lock()
	names := append([]string(nil), s.nearby...)
	s.mu.Unlock()

	list := make([]map[string]string, 0, len(names))
	for _, n := range names {
		list = append(list, map[string]string{"name": n})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"cod":   "200",
		"count": len(list),
		"list":  list,
	})
}
