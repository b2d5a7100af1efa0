// Package control implements the client-router control channel (spec.md
// §4.1, C1): a single long-lived, line-oriented duplex connection that
// multiplexes synchronous command/reply traffic with asynchronous 650
// events, and treats a hung socket as fatal to the session.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	temperrcatcher "github.com/jbenet/go-temp-err-catcher"

	"github.com/paidcircuit/paidcircuitd/internal/faults"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("control")

// DefaultCommandTimeout is the bounded reply timeout from spec.md §4.1.
const DefaultCommandTimeout = 10 * time.Second

// Reply is a command's parsed response: the final three-digit status
// code and every line the router sent (continuation lines and the final
// status line, in order).
type Reply struct {
	Code  int
	Lines []string
}

// OK reports whether the reply's status code was success (250).
func (r Reply) OK() bool { return r.Code == 250 }

// Channel is one authenticated control connection. It owns the read
// loop and dispatches 650 events to subscribers registered with
// Subscribe; callers issue commands with Command. A Channel must not be
// used after Close.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	cmdMu   sync.Mutex // serializes outgoing commands: one in flight at a time
	replyCh chan replyResult

	events *dispatcher

	closeOnce sync.Once
	closeCh   chan struct{}
}

type replyResult struct {
	reply Reply
	err   error
}

// Dial connects to the router's control port, authenticates with
// password (may be empty), and starts the read loop. The returned
// Channel is ready to accept commands and event subscriptions.
func Dial(ctx context.Context, addr, password string) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", faults.ErrControl, addr, err)
	}

	ch := &Channel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		replyCh: make(chan replyResult, 1),
		events:  newDispatcher(),
		closeCh: make(chan struct{}),
	}

	go ch.readLoop()

	if _, err := ch.Command(ctx, DefaultCommandTimeout, authenticateCmd(password)); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: authenticate: %v", faults.ErrControl, err)
	}

	return ch, nil
}

func authenticateCmd(password string) string {
	if password == "" {
		return "AUTHENTICATE"
	}
	return fmt.Sprintf("AUTHENTICATE %q", password)
}

// Command issues cmd, serialized against any other in-flight command, and
// blocks for the reply or until timeout elapses.
func (c *Channel) Command(ctx context.Context, timeout time.Duration, cmd string) (Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.closeCh:
		return Reply{}, fmt.Errorf("%w: channel closed", faults.ErrControl)
	default:
	}

	reqID := newRequestID()
	logger.Debug("issuing command", "request_id", reqID, "command", firstToken(cmd))

	if err := c.writeLine(cmd); err != nil {
		return Reply{}, fmt.Errorf("%w: write: %v", faults.ErrControl, err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-c.replyCh:
		if res.err != nil {
			logger.Warn("command failed", "request_id", reqID, "error", res.err)
			return Reply{}, res.err
		}
		if !res.reply.OK() {
			logger.Warn("command rejected", "request_id", reqID, "status", res.reply.Code)
			return res.reply, fmt.Errorf("%w: %s: status %d", faults.ErrControl, cmd, res.reply.Code)
		}
		return res.reply, nil
	case <-cctx.Done():
		logger.Warn("command timed out", "request_id", reqID)
		return Reply{}, fmt.Errorf("%w: %s", faults.ErrTimeout, cmd)
	case <-c.closeCh:
		return Reply{}, fmt.Errorf("%w: channel closed mid-command", faults.ErrControl)
	}
}

func (c *Channel) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// Subscribe registers a subscriber for class and returns its channel,
// buffered to hold buffer events. Each class
// delivers to exactly one subscriber; registering a second subscriber
// for the same class replaces the first, matching spec.md §4.1's "one
// subscriber per event class".
func (c *Channel) Subscribe(class EventClass, buffer int) <-chan Event {
	return c.events.subscribe(class, buffer)
}

// SetEvents issues SETEVENTS for the given classes.
func (c *Channel) SetEvents(ctx context.Context, classes ...EventClass) error {
	names := make([]string, len(classes))
	for i, cl := range classes {
		names[i] = string(cl)
	}
	_, err := c.Command(ctx, DefaultCommandTimeout, "SETEVENTS "+strings.Join(names, " "))
	return err
}

// Close shuts down the underlying socket, which unblocks the read loop;
// any command awaiting a reply fails with a closed-channel error.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
		c.events.closeAll()
	})
	return err
}

// readLoop reads lines until the socket closes, dispatching 650-prefixed
// lines to the event dispatcher and accumulating everything else into
// replies delivered on replyCh. A temp-error catcher distinguishes a
// transient read error, after which the loop backs off and reads again,
// from a permanent one, which ends the loop and the session,
// per spec.md §4.1 ("socket closed -> session ends").
func (c *Channel) readLoop() {
	var catcher temperrcatcher.TempErrCatcher
	var pending []string

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if catcher.IsTemporary(err) {
				continue
			}
			select {
			case c.replyCh <- replyResult{err: fmt.Errorf("%w: read: %v", faults.ErrControl, err)}:
			default:
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "650") {
			if ev, ok := parseEvent(line); ok {
				c.events.publish(ev)
			} else {
				logger.Warn("unparseable event, dropping", "line", line)
			}
			continue
		}

		pending = append(pending, line)
		if isFinalReplyLine(line) {
			reply, err := buildReply(pending)
			pending = nil
			select {
			case c.replyCh <- replyResult{reply: reply, err: err}:
			case <-c.closeCh:
				return
			}
		}
	}
}

// isFinalReplyLine reports whether line is the terminating line of a
// (possibly multi-line) reply: a three-digit code followed by a space
// (as opposed to '-' for a continuation line, or '+' for data).
func isFinalReplyLine(line string) bool {
	if len(line) < 4 {
		return false
	}
	if _, err := strconv.Atoi(line[:3]); err != nil {
		return false
	}
	return line[3] == ' '
}

func buildReply(lines []string) (Reply, error) {
	if len(lines) == 0 {
		return Reply{}, fmt.Errorf("%w: empty reply", faults.ErrControl)
	}
	last := lines[len(lines)-1]
	code, err := strconv.Atoi(last[:3])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: bad status line %q: %v", faults.ErrControl, last, err)
	}
	return Reply{Code: code, Lines: lines}, nil
}

// newRequestID returns an opaque id for correlating a logged command
// with its logged outcome; the wire protocol itself has no request id,
// commands are matched to replies purely by arrival order.
func newRequestID() string {
	return uuid.NewString()
}

func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
