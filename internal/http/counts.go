package http

// lengther is implemented by stores that can count their documents.
type lengther interface {
	Len() int
}

// counts returns the document count of every opened collection.
//
// Collections are opened lazily on first request, so a fresh server reports
// an empty map even when the database on disk holds data.
func (s *Server) counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.stores))
	for name, st := range s.stores {
		if l, ok := st.(lengther); ok {
			out[name] = l.Len()
			continue
		}
		out[name] = -1
	}
	return out
}
