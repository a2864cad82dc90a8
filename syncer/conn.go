package syncer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxMessageSize bounds one line on a sync stream.
const DefaultMaxMessageSize = 4 << 20

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn frames messages as newline-delimited JSON envelopes over any byte stream: a
// libp2p stream in production, net.Pipe in tests. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rwc io.ReadWriteCloser, maxMessageSize int) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Conn{rwc: rwc, r: bufio.NewReaderSize(rwc, maxMessageSize)}
}

func (c *Conn) Send(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = d.SetWriteDeadline(deadline)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = c.rwc.Write(data)
	return err
}

// Receive blocks until the next message arrives. A line longer than the buffer or
// one that does not decode is reported as ErrMalformed.
func (c *Conn) Receive() (Message, error) {
	for {
		line, err := c.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, protocolErr(KindMalformed, "", fmt.Errorf("message larger than %d bytes", c.r.Size()))
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		// ReadSlice reuses its buffer on the next read
		line = append([]byte(nil), bytes.TrimSpace(line)...)
		if len(line) == 0 {
			continue
		}
		m, err := DecodeMessage(line)
		if err != nil {
			return nil, protocolErr(KindMalformed, "", err)
		}
		return m, nil
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
