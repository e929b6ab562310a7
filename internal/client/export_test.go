package client

// DropConnection closes the socket underneath the session as a network failure would.
func (s *Session) DropConnection() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
