package domain

import (
	"bytes"
	"fmt"
)

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type TransferState string

const (
	TransferAwaitingMetadata TransferState = "awaiting_metadata"
	TransferReceiving        TransferState = "receiving"
	TransferComplete         TransferState = "complete"
	TransferFailed           TransferState = "failed"
)

type TransferStatus string

const (
	StatusSent     TransferStatus = "sent"
	StatusReceived TransferStatus = "received"
	StatusFailed   TransferStatus = "failed"
	StatusAborted  TransferStatus = "aborted"
)

// FileMetadata is announced by the sender before any chunk of the file.
type FileMetadata struct {
	Name       string
	MIME       string
	Size       int64
	Compressed bool
}

type File struct {
	Name string
	MIME string
	Data []byte
}

type FileResult struct {
	Name   string
	Status TransferStatus
	Bytes  int64
	Err    error
}

type Progress struct {
	Direction   Direction
	File        string
	Transferred int64
	Total       int64
	Percent     int
}

// TransferSession tracks one file in flight. The zero value is not usable; use
// NewTransferSession.
type TransferSession struct {
	Direction Direction
	Meta      FileMetadata

	state       TransferState
	sizeKnown   bool
	transferred int64
	chunks      [][]byte
	failure     error
}

func NewTransferSession(direction Direction) *TransferSession {
	return &TransferSession{
		Direction: direction,
		state:     TransferAwaitingMetadata,
	}
}

func (s *TransferSession) State() TransferState {
	return s.state
}

func (s *TransferSession) Transferred() int64 {
	return s.transferred
}

func (s *TransferSession) Failure() error {
	return s.failure
}

// Started reports whether any metadata for a file has been recorded.
func (s *TransferSession) Started() bool {
	return s.state != TransferAwaitingMetadata || s.sizeKnown || s.Meta != FileMetadata{}
}

// Progress is floor(transferred/size*100), capped at 100. An empty file is
// reported as 100 once complete.
func (s *TransferSession) Progress() int {
	if s.Meta.Size <= 0 {
		if s.state == TransferComplete {
			return 100
		}
		return 0
	}
	p := int(s.transferred * 100 / s.Meta.Size)
	if p > 100 {
		p = 100
	}
	return p
}

func (s *TransferSession) acceptMetadata() error {
	switch s.state {
	case TransferAwaitingMetadata:
		return nil
	case TransferReceiving:
		return fmt.Errorf("%w: metadata for %q arrived after data", ErrInvalidPayload, s.Meta.Name)
	default:
		// a new file is starting after a completed or failed one
		s.transition(TransferAwaitingMetadata)
		return nil
	}
}

func (s *TransferSession) SetMIME(mime string) error {
	if err := s.acceptMetadata(); err != nil {
		return err
	}
	s.Meta.MIME = mime
	return nil
}

func (s *TransferSession) SetName(name string) error {
	if err := s.acceptMetadata(); err != nil {
		return err
	}
	s.Meta.Name = name
	return nil
}

func (s *TransferSession) SetSize(size int64) error {
	if err := s.acceptMetadata(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidPayload, size)
	}
	s.Meta.Size = size
	s.sizeKnown = true
	return nil
}

func (s *TransferSession) SetCompressed(compressed bool) error {
	if err := s.acceptMetadata(); err != nil {
		return err
	}
	s.Meta.Compressed = compressed
	return nil
}

// Append records a plaintext chunk in arrival order. The byte counter never
// exceeds the declared size; an overflowing chunk fails the session.
func (s *TransferSession) Append(chunk []byte) (int, error) {
	switch s.state {
	case TransferAwaitingMetadata:
		if !s.sizeKnown {
			return 0, fmt.Errorf("%w: chunk received before size", ErrInvalidPayload)
		}
		s.state = TransferReceiving
	case TransferReceiving:
	default:
		return s.Progress(), fmt.Errorf("%w: session is %s", ErrInvalidPayload, s.state)
	}

	if s.transferred+int64(len(chunk)) > s.Meta.Size {
		err := fmt.Errorf("%w: %d bytes exceed declared %d", ErrSizeMismatch, s.transferred+int64(len(chunk)), s.Meta.Size)
		s.Fail(err)
		return s.Progress(), err
	}

	s.chunks = append(s.chunks, chunk)
	s.transferred += int64(len(chunk))
	return s.Progress(), nil
}

// Advance is the sender-side counterpart of Append: it only moves the counter.
func (s *TransferSession) Advance(n int) int {
	if s.state == TransferAwaitingMetadata {
		s.state = TransferReceiving
	}
	s.transferred += int64(n)
	if s.transferred > s.Meta.Size {
		s.transferred = s.Meta.Size
	}
	return s.Progress()
}

// Complete concatenates the buffered chunks into the final file.
func (s *TransferSession) Complete() (*File, error) {
	if s.state != TransferReceiving && s.state != TransferAwaitingMetadata {
		return nil, fmt.Errorf("%w: cannot complete session in state %s", ErrInvalidPayload, s.state)
	}
	if s.transferred != s.Meta.Size {
		err := fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, s.transferred, s.Meta.Size)
		s.Fail(err)
		return nil, err
	}

	data := bytes.Join(s.chunks, nil)
	if data == nil {
		data = []byte{}
	}
	s.chunks = nil
	s.state = TransferComplete

	return &File{Name: s.Meta.Name, MIME: s.Meta.MIME, Data: data}, nil
}

func (s *TransferSession) Fail(err error) {
	s.chunks = nil
	s.failure = err
	s.state = TransferFailed
}

func (s *TransferSession) transition(to TransferState) {
	*s = TransferSession{Direction: s.Direction, state: to}
}
