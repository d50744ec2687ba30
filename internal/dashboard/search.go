package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatherdash/internal/debounce"
	"github.com/kjstillabower/weatherdash/internal/models"
)

// MinQueryLength is the shortest trimmed query worth sending.
const MinQueryLength = 2

// User-facing search messages.
const (
	NoResultsMessage    = "We couldn't find that city. Try a different spelling or a nearby city."
	SearchFailedMessage = "Search is temporarily unavailable. Please try again."
)

// Geocoder resolves a city query.
type Geocoder interface {
	Geocode(ctx context.Context, query string) ([]models.GeocodingResult, error)
}

// SearchState is what the search box shows. Message is set on failure and
// when a lookup found nothing.
type SearchState struct {
	Query   string
	Results []models.GeocodingResult
	Loading bool
	Err     error
	Message string
}

// Search debounces typed queries and geocodes the ones that settle. Only the
// newest settled query may publish: a response for an older query is dropped.
type Search struct {
	api       Geocoder
	logger    *zap.Logger
	onUpdate  func(SearchState)
	debouncer *debounce.Debouncer[string]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	gen      uint64
	state    SearchState
	inflight context.CancelFunc

	wg sync.WaitGroup
}

// NewSearch returns a Search. onUpdate, when non-nil, receives every state
// change and must not block for long. A zero delay uses debounce.DefaultDelay.
func NewSearch(ctx context.Context, api Geocoder, delay time.Duration, onUpdate func(SearchState), logger *zap.Logger, opts ...debounce.Option) *Search {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Search{
		api:      api,
		logger:   logger.With(zap.String("context", "search")),
		onUpdate: onUpdate,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.debouncer = debounce.New("", delay, s.settle, opts...)
	return s
}

// SetQuery records what the user typed.
func (s *Search) SetQuery(q string) {
	s.debouncer.Set(q)
}

// State returns the current search state.
func (s *Search) State() SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// Close stops the debouncer, cancels any lookup and waits for it to return.
func (s *Search) Close() {
	s.debouncer.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Search) settle(q string) {
	trimmed := strings.TrimSpace(q)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
	if utf8.RuneCountInString(trimmed) < MinQueryLength {
		s.state = SearchState{Query: trimmed}
		st := cloneState(s.state)
		s.mu.Unlock()
		s.publish(st)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight = cancel
	s.state = SearchState{Query: trimmed, Results: s.state.Results, Loading: true}
	st := cloneState(s.state)
	s.wg.Add(1)
	s.mu.Unlock()

	s.publish(st)
	go s.lookup(ctx, cancel, gen, trimmed)
}

func (s *Search) lookup(ctx context.Context, cancel context.CancelFunc, gen uint64, query string) {
	defer s.wg.Done()
	defer cancel()
	s.logger.Info("searching", zap.String("query", query))
	results, err := s.api.Geocode(ctx, query)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale search", zap.String("query", query))
		return
	}
	s.inflight = nil
	next := SearchState{Query: query, Results: s.state.Results}
	switch {
	case err != nil:
		next.Err = err
		next.Message = searchErrorMessage(err)
		s.logger.Error("search failed", zap.String("query", query), zap.Error(err))
	default:
		next.Results = results
		if len(results) == 0 {
			next.Message = NoResultsMessage
		}
		s.logger.Info("search results", zap.Int("count", len(results)))
	}
	s.state = next
	st := cloneState(next)
	s.mu.Unlock()

	s.publish(st)
}

func (s *Search) publish(st SearchState) {
	if s.onUpdate != nil {
		s.onUpdate(st)
	}
}

func searchErrorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return SearchFailedMessage
}

func cloneState(st SearchState) SearchState {
	if st.Results != nil {
		st.Results = append([]models.GeocodingResult(nil), st.Results...)
	}
	return st
}
