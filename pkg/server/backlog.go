package server

import (
	"github.com/asterleen/airin/pkg/protocol"
	"github.com/asterleen/airin/pkg/storage"
)

type logOrder int

const (
	logAscend logOrder = iota
	logDescend
)

// backlogRequest is one pending history query. It references its
// session by id, so a request whose client vanished before the flush
// tick is dropped instead of written to a dead connection.
type backlogRequest struct {
	sid    uint64
	amount int
	from   int
	order  logOrder
}

// enqueueBacklog adds a history request to the bounded queue. Runs on
// the dispatch loop.
func (s *Server) enqueueBacklog(sess *Session, req backlogRequest) {
	if len(s.backlog) >= s.runtime.MaxLogQueueLen {
		sess.send(protocol.Fail(protocol.CodeGeneric, "Log request queue is full, wait plz"))
		return
	}
	s.backlog = append(s.backlog, req)
	s.metrics.RecordBacklogDepth(len(s.backlog))
}

// flushBacklog pops and answers exactly one queued request per flush
// tick, spreading storage load over time.
func (s *Server) flushBacklog() {
	if len(s.backlog) == 0 {
		return
	}
	req := s.backlog[0]
	s.backlog = s.backlog[1:]
	s.metrics.RecordBacklogDepth(len(s.backlog))
	s.answerBacklog(req)
}

func (s *Server) answerBacklog(req backlogRequest) {
	sess, ok := s.sessions[req.sid]
	if !ok {
		s.log.Debug("serv", "History requester is gone, dropping the response")
		return
	}

	messages, err := s.store.Messages(req.amount, req.from, sess.Login)
	if err != nil {
		s.log.Warn("serv", "Storage returned a bad message list: %v", err)
		return
	}
	if len(messages) == 0 {
		sess.send(protocol.Fail(protocol.CodeNoMessages, "No messages"))
		return
	}

	if req.order == logDescend {
		for i := len(messages) - 1; i >= 0; i-- {
			s.sendLogMessage(sess, messages[i])
		}
		return
	}
	for _, m := range messages {
		s.sendLogMessage(sess, m)
	}
}

func (s *Server) sendLogMessage(sess *Session, m storage.Message) {
	name := m.Name
	if name == "" {
		name = s.runtime.DefaultUserName
	}
	color := m.Color
	if color == "" {
		color = "NULL"
	}
	sess.send(protocol.LogContent(m.ID, m.Timestamp.Unix(), name, color, s.loginOrNull(m.Login), m.Text))
}
