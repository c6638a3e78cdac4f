package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/bufpool"
	"github.com/openisr/nexus/internal/chunk"
)

// ErrWouldBlock is returned by ReadNonBlocking when no message is queued.
var ErrWouldBlock = fmt.Errorf("agent: would block")

// ErrInterrupted is returned by Read when ctx is done before a message
// arrives; any whole messages already copied are still returned.
var ErrInterrupted = fmt.Errorf("agent: interrupted")

// ErrChannelClosed is returned once the channel is closed and drained.
var ErrChannelClosed = fmt.Errorf("agent: channel closed")

// ErrUnsolicited is returned when the agent writes a SET_META/
// META_HARDERR for a cid with no outstanding GET_META (spec.md §4.5:
// "Unsolicited SET_META is rejected").
var ErrUnsolicited = fmt.Errorf("agent: unsolicited reply")

type pendingGet struct {
	reply chan Message
}

// Channel is the kernel side of the agent protocol: a queue of
// kernel->agent messages the agent reads, and a cid-keyed reply table
// for GET_META (spec.md §5: "Agent replies: SET_META/META_HARDERR apply
// to the chunk named in the message irrespective of the order GET_METAs
// were sent").
type Channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	outbound []outboundMsg
	pending  map[chunk.ID]*pendingGet
	closed   bool
	logger   *logrus.Logger
}

// outboundMsg pairs a queued message with the callback, if any, fired
// the instant the agent actually dequeues it via Read/ReadNonBlocking.
// UpdateMeta uses this to tell the caller when its enqueue has truly
// drained, not merely been accepted into the queue.
type outboundMsg struct {
	msg     Message
	onDrain func()
}

// NewChannel constructs an unopened Channel.
func NewChannel(logger *logrus.Logger) *Channel {
	c := &Channel{pending: map[chunk.ID]*pendingGet{}, logger: logger}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Channel) enqueueLocked(m Message, onDrain func()) {
	c.outbound = append(c.outbound, outboundMsg{msg: m, onDrain: onDrain})
	c.cond.Broadcast()
}

// GetMeta implements statemachine.Agent: enqueues GET_META and blocks
// for the matching SET_META/META_HARDERR.
func (c *Channel) GetMeta(ctx context.Context, cid chunk.ID) (int, chunk.Compression, []byte, []byte, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, 0, nil, nil, true, ErrChannelClosed
	}
	pg := &pendingGet{reply: make(chan Message, 1)}
	c.pending[cid] = pg
	c.enqueueLocked(Message{CID: cid, Type: GetMeta}, nil)
	c.mu.Unlock()

	select {
	case reply := <-pg.reply:
		if reply.Type == MetaHardErr {
			return 0, 0, nil, nil, true, nil
		}
		tag := append([]byte(nil), reply.Tag[:]...)
		key := append([]byte(nil), reply.Key[:]...)
		return int(reply.Length), chunk.Compression(reply.CompressionOrErr), tag, key, false, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cid)
		c.mu.Unlock()
		return 0, 0, nil, nil, true, ctx.Err()
	}
}

// UpdateMeta implements statemachine.Agent: enqueues UPDATE_META, which
// carries no reply. onDrain, if non-nil, fires once the agent has
// actually dequeued the message (via Read/ReadNonBlocking), not merely
// at enqueue time — the caller uses this to know when it is safe to
// treat the chunk as no longer carrying a pending agent message.
func (c *Channel) UpdateMeta(_ context.Context, cid chunk.ID, length int, comp chunk.Compression, tag, key []byte, onDrain func()) error {
	m := Message{CID: cid, Length: uint32(length), Type: UpdateMeta, CompressionOrErr: uint8(comp)}
	copy(m.Tag[:], tag)
	copy(m.Key[:], key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.enqueueLocked(m, onDrain)
	return nil
}

// ChunkErr implements statemachine.Agent: enqueues CHUNK_ERR exactly
// once per call (the state machine is responsible for calling it once
// per terminal failure).
func (c *Channel) ChunkErr(_ context.Context, cid chunk.ID, fault chunk.Fault, expected, found []byte) error {
	m := Message{CID: cid, Type: ChunkErr, CompressionOrErr: EncodeErrorKind(fault)}
	copy(m.Key[:], expected)
	copy(m.Tag[:], found)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.enqueueLocked(m, nil)
	return nil
}

// Read is the agent-side blocking read: it dequeues up to len(buf)/
// WireSize whole messages, blocking interruptibly if none are queued
// yet (spec.md §4.5 "Blocking"). If buf's length is not a multiple of
// WireSize, it returns ErrShortMessage without reading anything.
func (c *Channel) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf)%wireSize != 0 {
		return 0, ErrShortMessage
	}
	count := len(buf) / wireSize

	c.mu.Lock()
	defer c.mu.Unlock()
	done := bufpool.CtxDoneSignal(ctx, &c.mu, c.cond)
	defer done()

	n := 0
	for n < count {
		for len(c.outbound) == 0 && !c.closed {
			if n > 0 {
				return n * wireSize, nil
			}
			if ctx.Err() != nil {
				return 0, ErrInterrupted
			}
			c.cond.Wait()
		}
		if len(c.outbound) == 0 {
			if n > 0 {
				return n * wireSize, nil
			}
			return 0, ErrChannelClosed
		}
		if ctx.Err() != nil && n == 0 {
			return 0, ErrInterrupted
		}
		e := c.outbound[0]
		c.outbound = c.outbound[1:]
		EncodeInto(buf[n*wireSize:(n+1)*wireSize], e.msg)
		if e.onDrain != nil {
			e.onDrain()
		}
		n++
	}
	return n * wireSize, nil
}

// ReadNonBlocking returns ErrWouldBlock instead of parking when no
// message is queued.
func (c *Channel) ReadNonBlocking(buf []byte) (int, error) {
	if len(buf)%wireSize != 0 {
		return 0, ErrShortMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		if c.closed {
			return 0, ErrChannelClosed
		}
		return 0, ErrWouldBlock
	}
	count := len(buf) / wireSize
	n := 0
	for n < count && len(c.outbound) > 0 {
		e := c.outbound[0]
		c.outbound = c.outbound[1:]
		EncodeInto(buf[n*wireSize:(n+1)*wireSize], e.msg)
		if e.onDrain != nil {
			e.onDrain()
		}
		n++
	}
	return n * wireSize, nil
}

// Write is the agent-side write of SET_META/META_HARDERR replies. Only
// whole messages are accepted; an unsolicited reply (no matching
// GetMeta in flight) is rejected without affecting the rest of the
// batch.
func (c *Channel) Write(buf []byte) (int, error) {
	if len(buf)%wireSize != 0 {
		return 0, ErrShortMessage
	}
	count := len(buf) / wireSize
	n := 0
	var firstErr error
	for i := 0; i < count; i++ {
		m, err := Decode(buf[i*wireSize : (i+1)*wireSize])
		if err != nil {
			firstErr = err
			break
		}
		if m.Type != SetMeta && m.Type != MetaHardErr {
			firstErr = fmt.Errorf("agent: unexpected message type %s from agent write", m.Type)
			break
		}
		if err := c.dispatchReply(m); err != nil {
			firstErr = err
			break
		}
		n++
	}
	if n == 0 && firstErr != nil {
		return 0, firstErr
	}
	return n * wireSize, nil
}

func (c *Channel) dispatchReply(m Message) error {
	c.mu.Lock()
	pg, ok := c.pending[m.CID]
	if ok {
		delete(c.pending, m.CID)
	}
	c.mu.Unlock()
	if !ok {
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{"cid": uint64(m.CID), "type": m.Type.String()}).Warn("unsolicited agent reply")
		}
		return ErrUnsolicited
	}
	pg.reply <- m
	return nil
}

// Close shuts the channel down: blocked readers return ErrChannelClosed
// once drained, and any GET_META still awaiting a reply is abandoned
// (the caller's ctx cancellation, driven by device shutdown, unblocks
// it) so shutdown never deadlocks against an agent that stopped reading
// (spec.md §4.5 "Shutdown").
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
