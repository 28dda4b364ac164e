// Package flagrtest provides an in-process flag service for tests. It
// serves the flag API and accepts analytics event batches, the way a relay
// would.
package flagrtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr"
)

// Server is a fake flag service backed by httptest.
type Server struct {
	*httptest.Server

	mu          sync.RWMutex
	flags       map[string]domain.Flag
	failStatus  int
	apiKey      string
	flagCalls   int
	eventBodies [][]byte
	payloadIDs  []string
}

// NewServer starts a fake flag service. Close it when done.
func NewServer() *Server {
	s := &Server{flags: make(map[string]domain.Flag)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flags", s.handleFlags)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /bulk", s.handleEvents)

	s.Server = httptest.NewServer(mux)
	return s
}

// SetFlag adds or replaces a flag.
func (s *Server) SetFlag(flag domain.Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flag.Key] = flag
}

// RemoveFlag deletes a flag.
func (s *Server) RemoveFlag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
}

// FailWith makes every flag request answer with status; 0 restores normal
// behavior.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
}

// RequireKey rejects requests whose bearer token differs from key.
func (s *Server) RequireKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// FlagRequests returns how many flag list requests were served.
func (s *Server) FlagRequests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flagCalls
}

// Events returns every event received, decoded.
func (s *Server) Events() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]any
	for _, body := range s.eventBodies {
		var batch []map[string]any
		if err := json.Unmarshal(body, &batch); err == nil {
			out = append(out, batch...)
		}
	}
	return out
}

// PayloadIDs returns the X-Payload-ID of every batch received.
func (s *Server) PayloadIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.payloadIDs...)
}

func (s *Server) authorized(r *http.Request) bool {
	return s.apiKey == "" || r.Header.Get("Authorization") == "Bearer "+s.apiKey
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.flagCalls++
	status := s.failStatus
	authorized := s.authorized(r)
	flags := make([]flagr.FlagrFlag, 0, len(s.flags))
	for _, f := range s.flags {
		flags = append(flags, ToFlagr(f))
	}
	s.mu.Unlock()

	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(flags)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	authorized := s.authorized(r)
	if authorized {
		s.eventBodies = append(s.eventBodies, body)
		s.payloadIDs = append(s.payloadIDs, r.Header.Get("X-Payload-ID"))
	}
	s.mu.Unlock()

	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ToFlagr converts a domain flag to its API representation.
func ToFlagr(f domain.Flag) flagr.FlagrFlag {
	segments := make([]flagr.FlagrSegment, len(f.Segments))
	for i, seg := range f.Segments {
		constraints := make([]flagr.FlagrConstraint, len(seg.Constraints))
		for j, c := range seg.Constraints {
			constraints[j] = flagr.FlagrConstraint{
				ID:       c.ID,
				Property: c.Property,
				Operator: string(c.Operator),
				Value:    encodeValue(c.Value),
			}
		}

		distributions := make([]flagr.FlagrDistribution, len(seg.Distributions))
		for j, d := range seg.Distributions {
			distributions[j] = flagr.FlagrDistribution{
				ID:        d.ID,
				Percent:   int64(d.Percent),
				VariantID: d.VariantID,
			}
		}

		segments[i] = flagr.FlagrSegment{
			ID:             seg.ID,
			Rank:           seg.Rank,
			Description:    seg.Description,
			RolloutPercent: int64(seg.RolloutPercent),
			Constraints:    constraints,
			Distributions:  distributions,
		}
	}

	variants := make([]flagr.FlagrVariant, len(f.Variants))
	for i, v := range f.Variants {
		variants[i] = flagr.FlagrVariant{ID: v.ID, Key: v.Key, Attachment: v.Attachment}
	}

	tags := make([]flagr.Tag, len(f.Tags))
	for i, t := range f.Tags {
		tags[i] = flagr.Tag{Value: t.Value}
	}

	return flagr.FlagrFlag{
		ID:          f.ID,
		Key:         f.Key,
		Description: f.Description,
		Enabled:     f.Enabled,
		Segments:    segments,
		Variants:    variants,
		Tags:        tags,
		UpdatedAt:   f.UpdatedAt,
	}
}

func encodeValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
