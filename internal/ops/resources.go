package ops

import (
	"sync"

	"chiselcore.dev/chiselcore/internal/queryengine"
)

// openStream bundles a streaming query with the root entity name its rows
// were planned against, so query_next knows which entity's code policy
// and labels to apply per row without the caller re-supplying it.
type openStream struct {
	stream     *queryengine.Stream
	rootEntity string
}

// resourceTable is the per-job analogue of a JS runtime's resource
// table: relational_query_create places a stream here and hands
// back an opaque id; query_next looks it up; close releases the DB
// resources promptly instead of waiting on GC.
type resourceTable struct {
	mu      sync.Mutex
	next    int64
	streams map[int64]*openStream
}

func newResourceTable() *resourceTable {
	return &resourceTable{streams: make(map[int64]*openStream)}
}

func (r *resourceTable) put(s *queryengine.Stream, rootEntity string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.streams[id] = &openStream{stream: s, rootEntity: rootEntity}
	return id
}

func (r *resourceTable) get(id int64) (*openStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// close releases and forgets the stream behind id; calling it twice, or on
// an id that never existed, is a no-op rather than an error, matching the
// "close cancels the underlying stream" semantics of a resource table
// entry that may already have been drained to completion.
func (r *resourceTable) close(id int64) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stream.Close()
}

func (r *resourceTable) closeAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[int64]*openStream)
	r.mu.Unlock()
	for _, s := range streams {
		_ = s.stream.Close()
	}
}
