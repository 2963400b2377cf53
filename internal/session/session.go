// Package session implements the per-DC logical stream: message-id
// generation, sequence numbering and acknowledgement tracking.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// DefaultAckTimeout is how long received message ids may sit in the
// pending set before a msgs_ack is flushed.
const DefaultAckTimeout = 30 * time.Second

// Session is a logical stream inside a DC, identified by a random
// nonzero 64-bit id.
type Session struct {
	// ID is the session identifier stamped into every envelope.
	ID int64

	// DCID identifies the owning data center.
	DCID int32

	mu         sync.Mutex
	seqNo      int32
	lastMsgID  int64
	pending    map[int64]struct{}
	timer      *time.Timer
	ackTimeout time.Duration
	onFlush    func()
	received   int
	closed     bool
}

// New creates a session with a fresh random id. onFlush is invoked from
// the ack timer when the pending set should be drained and sent; it may
// be nil.
func New(dcID int32, ackTimeout time.Duration, onFlush func()) (*Session, error) {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	id, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:         id,
		DCID:       dcID,
		pending:    make(map[int64]struct{}),
		ackTimeout: ackTimeout,
		onFlush:    onFlush,
	}, nil
}

func randomSessionID() (int64, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
			return 0, fmt.Errorf("generate session id: %w", err)
		}
		id := int64(binary.LittleEndian.Uint64(b[:]))
		if id != 0 {
			return id, nil
		}
	}
}

// NextMsgID produces the next outbound message id for the given server
// time (seconds). Ids are strictly increasing with the low two bits zero:
// the candidate is ⌊serverTime·2^32⌋ &^ 3, and whenever it does not
// exceed the last issued id, the last issued id plus 4 is used instead.
func (s *Session) NextMsgID(serverTime float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextMsgIDLocked(serverTime)
}

func (s *Session) nextMsgIDLocked(serverTime float64) int64 {
	next := int64(serverTime*(1<<32)) &^ 3
	if next <= s.lastMsgID {
		s.lastMsgID += 4
	} else {
		s.lastMsgID = next
	}
	return s.lastMsgID
}

// LastMsgID returns the most recently issued outbound message id.
func (s *Session) LastMsgID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsgID
}

// NextSeqNo returns the sequence number for the next outbound message.
// Content-bearing messages take the odd value and advance the counter by
// two; pure service messages take the current even value unchanged.
func (s *Session) NextSeqNo(contentRelated bool) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !contentRelated {
		return s.seqNo
	}
	seq := s.seqNo | 1
	s.seqNo += 2
	return seq
}

// SeqNo returns the current sequence counter.
func (s *Session) SeqNo() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqNo
}

// InsertAck records an inbound message id that requires acknowledgement.
// The insert is idempotent; the flush timer is armed on the empty→nonempty
// transition.
func (s *Session) InsertAck(msgID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pending[msgID]; ok {
		return
	}
	wasEmpty := len(s.pending) == 0
	s.pending[msgID] = struct{}{}
	if wasEmpty && s.onFlush != nil {
		s.timer = time.AfterFunc(s.ackTimeout, s.onFlush)
	}
}

// DrainAcks returns the pending message ids in ascending order and clears
// the set, stopping the flush timer.
func (s *Session) DrainAcks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.pending = make(map[int64]struct{})
	return ids
}

// PendingAcks returns the number of unflushed acknowledgements.
func (s *Session) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// MarkReceived counts an accepted inbound message and reports whether it
// was the first of this session.
func (s *Session) MarkReceived() (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	return s.received == 1
}

// Received returns how many messages this session has accepted.
func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Rotate gives the session a fresh id, resets the sequence counter and
// drops pending acknowledgements. Used when the temporary key is
// regenerated.
func (s *Session) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := randomSessionID()
	if err != nil {
		return err
	}
	s.ID = id
	s.seqNo = 0
	s.received = 0
	s.pending = make(map[int64]struct{})
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

// Close stops the flush timer and rejects further acknowledgements.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// String returns a debug representation.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Session{id=%016x, dc=%d, seq=%d}", uint64(s.ID), s.DCID, s.seqNo)
}
