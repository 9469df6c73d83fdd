package scraper

import (
	"sync"

	"github.com/openlistings/listing-ingest/internal/ingest"
)

// Abort reasons reported in End.Reason.
const (
	AbortCaptcha    = "captcha"
	AbortCompliance = "compliance_blocked"
	AbortMetaRobots = "meta_robots"
	AbortJSRendered = "js_rendered"
	AbortCancelled  = "cancelled"
)

// End describes how a stream terminated. Exhausted streams ran out of pages
// or listings; aborted streams were cut short for the stated reason.
type End struct {
	Aborted bool
	Reason  string
	Pages   int
}

// Stream yields raw entries lazily as pages are fetched. It is finite and
// non-restartable; once Next reports false the End state is final.
type Stream struct {
	entries chan ingest.RawEntry

	mu  sync.Mutex
	end End
}

func newStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{entries: make(chan ingest.RawEntry, buffer)}
}

// Next returns the next raw entry. The second return value is false once the
// stream has ended; End then describes why.
func (s *Stream) Next() (ingest.RawEntry, bool) {
	entry, ok := <-s.entries
	return entry, ok
}

// End reports the termination state. Only meaningful after Next returned
// false.
func (s *Stream) End() End {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// finish records the end state and closes the stream. Called exactly once by
// the producing goroutine.
func (s *Stream) finish(end End) {
	s.mu.Lock()
	s.end = end
	s.mu.Unlock()
	close(s.entries)
}
