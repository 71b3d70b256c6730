package stratum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/util"
)

// MaxLineSize bounds a single inbound record
const MaxLineSize = 1 << 20

const writeTimeout = 10 * time.Second

var (
	// ErrAuthorization is returned when the pool refuses the worker credentials
	ErrAuthorization = errors.New("pool rejected worker authorization")

	// ErrRequestTimeout marks a request that got no response in time
	ErrRequestTimeout = errors.New("stratum request timed out")

	// ErrNotConnected is returned for requests made without a live session
	ErrNotConnected = errors.New("stratum client not connected")

	// ErrConnectionLost fails requests still pending when the transport drops
	ErrConnectionLost = errors.New("stratum connection lost")

	// ErrClosed is returned once the client has been closed
	ErrClosed = errors.New("stratum client closed")

	errPoolReconnect = errors.New("pool requested reconnect")
)

// State is the protocol state of the client
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateAuthorized
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// acceptsNotifications reports whether job and target notifications are
// processed in this state
func (s State) acceptsNotifications() bool {
	return s == StateSubscribed || s == StateAuthorized || s == StateActive
}

// Session is an immutable snapshot of the client and its live connection
type Session struct {
	ConnID          uint64
	State           State
	URL             string
	SubscriptionID  string
	Extranonce1     string
	Extranonce2Size int
	Authorized      bool
	Difficulty      float64
	ConnectedAt     time.Time
	Reconnects      uint64
	LastError       string
}

// Call is one request in flight. Done receives the call once it completes
// with a result, an RPC error, a timeout or a transport failure.
type Call struct {
	ID      uint64
	ConnID  uint64
	Method  string
	Params  []interface{}
	Timeout time.Duration
	SentAt  time.Time
	Result  json.RawMessage
	Error   error
	Done    chan *Call

	// hook runs on the read goroutine before Done fires, so state derived
	// from the response is in place before the next inbound line
	hook     func(*Call)
	deadline time.Time
}

func (call *Call) finish() {
	select {
	case call.Done <- call:
	default:
		util.Warnf("Dropping completion for %s id=%d: done channel full", call.Method, call.ID)
	}
}

// Connection is one transport to the pool. It is never reused: a reconnect
// builds a new Connection.
type Connection struct {
	id       uint64
	endpoint Endpoint
	conn     net.Conn

	mu      sync.Mutex
	closed  bool
	err     error
	queue   []*Call
	pending map[uint64]*Call

	wake   chan struct{}
	done   chan struct{}
	gotJob atomic.Bool
}

func newConnection(id uint64, ep Endpoint, conn net.Conn) *Connection {
	return &Connection{
		id:       id,
		endpoint: ep,
		conn:     conn,
		pending:  make(map[uint64]*Call),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// enqueue hands a call to the writer; false means the connection is gone
func (cn *Connection) enqueue(call *Call) bool {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return false
	}
	cn.queue = append(cn.queue, call)
	cn.mu.Unlock()

	select {
	case cn.wake <- struct{}{}:
	default:
	}
	return true
}

// close tears the connection down once and fails everything outstanding.
// It reports whether this call performed the close.
func (cn *Connection) close(err error) bool {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return false
	}
	cn.closed = true
	cn.err = err
	queued := cn.queue
	pending := cn.pending
	cn.queue = nil
	cn.pending = make(map[uint64]*Call)
	cn.mu.Unlock()

	close(cn.done)
	cn.conn.Close()

	for _, call := range queued {
		call.Error = util.WrapError(util.KindNetwork, call.Method, ErrNotConnected)
		call.finish()
	}
	for _, call := range pending {
		call.Error = util.WrapError(util.KindNetwork, call.Method, ErrConnectionLost)
		call.finish()
	}
	return true
}

func (cn *Connection) takePending(id uint64) *Call {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	call := cn.pending[id]
	delete(cn.pending, id)
	return call
}

func (cn *Connection) expired(now time.Time) []*Call {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	var out []*Call
	for id, call := range cn.pending {
		if now.After(call.deadline) {
			delete(cn.pending, id)
			out = append(out, call)
		}
	}
	return out
}

// Client is a Stratum v1 pool client with automatic reconnect and failover
type Client struct {
	pool      *config.PoolConfig
	cfg       *config.ClientConfig
	upstreams *UpstreamManager
	backoff   Backoff
	log       *zap.SugaredLogger

	mu      sync.Mutex
	cbMu    sync.Mutex
	changed chan struct{}
	session atomic.Pointer[Session]
	live    atomic.Pointer[Connection]

	nextID       uint64
	connSeq      uint64
	redirect     atomic.Pointer[Endpoint]
	redirectWait atomic.Int64

	onJob        func(*Notify, Session)
	onDifficulty func(float64, Session)
	onSession    func(Session)
	onState      func(from, to State, s Session)
	onMessage    func(string, Session)

	fatalMu  sync.Mutex
	fatalErr error

	closing  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a client for the configured pool endpoints
func NewClient(pool *config.PoolConfig, cfg *config.ClientConfig) (*Client, error) {
	upstreams, err := NewUpstreamManager(pool.Endpoints(), cfg.FailoverAfter)
	if err != nil {
		return nil, err
	}

	c := &Client{
		pool:      pool,
		cfg:       cfg,
		upstreams: upstreams,
		backoff: Backoff{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
		},
		log:     util.Named("stratum"),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.session.Store(&Session{State: StateDisconnected})
	return c, nil
}

// OnJob sets the mining.notify callback. It runs on the read goroutine.
func (c *Client) OnJob(fn func(*Notify, Session)) {
	c.onJob = fn
}

// OnDifficulty sets the mining.set_difficulty callback
func (c *Client) OnDifficulty(fn func(float64, Session)) {
	c.onDifficulty = fn
}

// OnSession sets the callback fired when subscription identifiers change
func (c *Client) OnSession(fn func(Session)) {
	c.onSession = fn
}

// OnState sets the state transition callback
func (c *Client) OnState(fn func(from, to State, s Session)) {
	c.onState = fn
}

// OnMessage sets the client.show_message callback
func (c *Client) OnMessage(fn func(string, Session)) {
	c.onMessage = fn
}

// Session returns the current session snapshot
func (c *Client) Session() Session {
	return *c.session.Load()
}

// State returns the current protocol state
func (c *Client) State() State {
	return c.session.Load().State
}

// Upstreams returns the health of every configured pool endpoint
func (c *Client) Upstreams() []UpstreamState {
	return c.upstreams.States()
}

// Done is closed when the client stops for good
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error that stopped the client, if any
func (c *Client) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

// Start launches the connection loop
func (c *Client) Start(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("stratum client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.upstreams.Run(runCtx, c.cfg.HealthInterval)
	}()

	go c.run(runCtx)
	return nil
}

// Close stops the client and waits for its goroutines
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.closing.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if cn := c.live.Load(); cn != nil {
			cn.close(ErrClosed)
		}
		if c.started.Load() {
			<-c.done
		} else {
			close(c.done)
		}
		c.wg.Wait()
		c.publish(nil, StateClosed, nil)
		c.log.Info("Stratum client stopped")
	})
}

// WaitAuthorized blocks until the session is authorized, the client stops,
// or ctx ends
func (c *Client) WaitAuthorized(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		s := *c.session.Load()
		ch := c.changed
		c.mu.Unlock()

		switch s.State {
		case StateAuthorized, StateActive:
			return s, nil
		case StateClosed:
			if err := c.Err(); err != nil {
				return s, err
			}
			return s, ErrClosed
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// Go sends a request asynchronously on the live connection. Done must be
// buffered; nil allocates a channel of size 1.
func (c *Client) Go(method string, params []interface{}, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	}
	call := &Call{Method: method, Params: params, Done: done}

	cn := c.live.Load()
	s := c.session.Load()
	if cn == nil || !s.Authorized || s.ConnID != cn.id || !cn.enqueue(call) {
		call.Error = util.WrapError(util.KindNetwork, method, ErrNotConnected)
		call.finish()
	}
	return call
}

// Submit sends mining.submit for the configured worker
func (c *Client) Submit(jobID, extranonce2, ntime, nonce string, timeout time.Duration, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	}
	call := &Call{
		Method:  MethodSubmit,
		Params:  []interface{}{c.pool.User(), jobID, extranonce2, ntime, nonce},
		Timeout: timeout,
		Done:    done,
	}

	cn := c.live.Load()
	s := c.session.Load()
	if cn == nil || !s.Authorized || s.ConnID != cn.id || !cn.enqueue(call) {
		call.Error = util.WrapError(util.KindNetwork, MethodSubmit, ErrNotConnected)
		call.finish()
	}
	return call
}

func (c *Client) setFatal(err error) {
	c.fatalMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.fatalMu.Unlock()
}

// run owns the connect/reconnect cycle
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		authorized, err := c.connectOnce(ctx)
		if ctx.Err() != nil || c.closing.Load() {
			return
		}

		if errors.Is(err, ErrAuthorization) {
			c.log.Errorf("Authorization failed, giving up: %v", err)
			c.setFatal(err)
			c.publish(nil, StateClosed, func(s *Session) {
				s.LastError = err.Error()
				s.Authorized = false
			})
			return
		}

		var delay time.Duration
		switch {
		case errors.Is(err, errPoolReconnect):
			attempt = 0
			if ep := c.redirect.Load(); ep != nil {
				c.log.Infof("Pool requested reconnect to %s", ep.URL)
			}
			delay = time.Duration(c.redirectWait.Load())
		default:
			if authorized {
				attempt = 0
			} else {
				c.upstreams.RecordFailure()
			}
			delay = c.backoff.Delay(attempt)
			attempt++
		}

		c.publish(nil, StateReconnecting, func(s *Session) {
			s.Reconnects++
			s.Authorized = false
			if err != nil {
				s.LastError = err.Error()
			}
		})
		c.log.Warnf("Reconnecting in %v (attempt %d): %v", delay.Round(time.Millisecond), attempt, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce runs one full session. It reports whether the session reached
// Authorized and the error that ended it.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	var ep Endpoint
	if r := c.redirect.Swap(nil); r != nil {
		ep = *r
	} else {
		c.upstreams.Reselect()
		ep = c.upstreams.Current()
	}

	c.publish(nil, StateConnecting, func(s *Session) {
		reconnects := s.Reconnects
		*s = Session{State: StateConnecting, URL: ep.URL, Reconnects: reconnects, LastError: s.LastError}
	})

	start := time.Now()
	raw, err := ep.Dial(ctx, c.cfg.DialTimeout, c.pool.TLSInsecure)
	if err != nil {
		return false, util.WrapError(util.KindNetwork, "dial "+ep.URL, err)
	}

	cn := newConnection(atomic.AddUint64(&c.connSeq, 1), ep, raw)
	c.live.Store(cn)
	c.publish(cn, StateConnecting, func(s *Session) {
		s.ConnID = cn.id
		s.ConnectedAt = time.Now()
	})
	c.log.Infof("Connected to %s", ep.URL)

	c.wg.Add(3)
	go c.readLoop(cn)
	go c.writeLoop(cn)
	go c.sweepLoop(cn)

	// Subscribe
	_, err = c.request(ctx, cn, MethodSubscribe, []interface{}{c.cfg.UserAgent}, func(call *Call) {
		if call.Error != nil {
			return
		}
		res, perr := ParseSubscribeResult(call.Result)
		if perr != nil {
			call.Error = util.WrapError(util.KindProtocol, MethodSubscribe, perr)
			return
		}
		c.publish(cn, StateSubscribed, func(s *Session) {
			s.SubscriptionID = res.SubscriptionID
			s.Extranonce1 = res.Extranonce1
			s.Extranonce2Size = res.Extranonce2Size
		})
	})
	if err != nil {
		c.drop(cn, err)
		return false, fmt.Errorf("subscribe: %w", err)
	}

	if c.pool.ExtranonceSubscribe {
		call := &Call{Method: MethodExtranonceSubscribe, Params: []interface{}{}, Done: make(chan *Call, 1)}
		cn.enqueue(call)
	}

	// Authorize
	_, err = c.request(ctx, cn, MethodAuthorize, []interface{}{c.pool.User(), c.pool.Password}, func(call *Call) {
		if call.Error == nil && !ParseBoolResult(call.Result) {
			call.Error = &RPCError{Code: ErrorUnauthorized, Message: "authorization refused"}
		}
		if call.Error != nil {
			return
		}
		next := StateAuthorized
		if cn.gotJob.Load() {
			next = StateActive
		}
		c.publish(cn, next, func(s *Session) {
			s.Authorized = true
		})
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			err = util.WrapError(util.KindAuthorization, MethodAuthorize,
				fmt.Errorf("%w: %s as %s", ErrAuthorization, rpcErr.Message, c.pool.User()))
		}
		c.drop(cn, err)
		return false, err
	}

	c.upstreams.RecordSuccess(time.Since(start))
	c.log.Infof("Authorized as %s on %s", c.pool.User(), ep.URL)

	select {
	case <-cn.done:
		return true, cn.err
	case <-ctx.Done():
		cn.close(ErrClosed)
		return true, ctx.Err()
	}
}

// request sends a call and waits for its completion
func (c *Client) request(ctx context.Context, cn *Connection, method string, params []interface{}, hook func(*Call)) (json.RawMessage, error) {
	call := &Call{Method: method, Params: params, Done: make(chan *Call, 1), hook: hook}
	if !cn.enqueue(call) {
		return nil, util.WrapError(util.KindNetwork, method, ErrConnectionLost)
	}
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drop closes a connection after a failure and moves the client to
// Reconnecting if it was the live one. Authorization failures are terminal
// and go straight to Closed from run.
func (c *Client) drop(cn *Connection, err error) {
	if !cn.close(err) {
		return
	}
	if c.closing.Load() || errors.Is(err, ErrAuthorization) {
		return
	}
	c.publish(cn, StateReconnecting, func(s *Session) {
		s.Authorized = false
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// writeLoop is the only goroutine that writes to the socket; it assigns
// request IDs at transmission so wire order and ID order coincide
func (c *Client) writeLoop(cn *Connection) {
	defer c.wg.Done()

	for {
		select {
		case <-cn.done:
			return
		case <-cn.wake:
		}

		for {
			cn.mu.Lock()
			if cn.closed || len(cn.queue) == 0 {
				cn.mu.Unlock()
				break
			}
			call := cn.queue[0]
			cn.queue[0] = nil
			cn.queue = cn.queue[1:]

			now := time.Now()
			timeout := call.Timeout
			if timeout <= 0 {
				timeout = c.cfg.RequestTimeout
			}
			call.ID = atomic.AddUint64(&c.nextID, 1)
			call.ConnID = cn.id
			call.SentAt = now
			call.deadline = now.Add(timeout)
			cn.pending[call.ID] = call
			cn.mu.Unlock()

			data, err := EncodeRequest(&Request{ID: call.ID, Method: call.Method, Params: call.Params})
			if err != nil {
				if cn.takePending(call.ID) != nil {
					call.Error = util.WrapError(util.KindProtocol, call.Method, err)
					call.finish()
				}
				continue
			}

			cn.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := cn.conn.Write(data); err != nil {
				c.drop(cn, util.WrapError(util.KindNetwork, "write", err))
				return
			}
			c.log.Debugf("-> %s id=%d", call.Method, call.ID)
		}
	}
}

// readLoop decodes inbound lines; malformed lines are logged and skipped
func (c *Client) readLoop(cn *Connection) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(cn.conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; decoded raw fields must not alias it
		line = append([]byte(nil), line...)

		msg, err := Decode(line)
		if err != nil {
			c.log.Warnf("Discarding message from %s: %v", cn.endpoint.URL, err)
			continue
		}
		c.handle(cn, msg)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.drop(cn, util.WrapError(util.KindNetwork, "read", err))
}

// sweepLoop fails requests that outlive their deadline; they are never retried
func (c *Client) sweepLoop(cn *Connection) {
	defer c.wg.Done()

	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.done:
			return
		case now := <-ticker.C:
			for _, call := range cn.expired(now) {
				c.log.Warnf("%s id=%d timed out after %v", call.Method, call.ID, now.Sub(call.SentAt).Round(time.Millisecond))
				call.Error = util.WrapError(util.KindTimeout, call.Method, ErrRequestTimeout)
				call.finish()
			}
		}
	}
}

func (c *Client) handle(cn *Connection, msg Inbound) {
	if m, ok := msg.(*Response); ok {
		call := cn.takePending(m.ID)
		if call == nil {
			c.log.Debugf("Response for unknown request id=%d", m.ID)
			return
		}
		call.Result = m.Result
		if m.Error != nil {
			call.Error = m.Error
		}
		if call.hook != nil {
			call.hook(call)
		}
		call.finish()
		return
	}

	s := c.session.Load()
	if c.live.Load() != cn || s.ConnID != cn.id || !s.State.acceptsNotifications() {
		c.log.Debugf("Dropping %T in state %s", msg, s.State)
		return
	}

	switch m := msg.(type) {
	case *Notify:
		cn.gotJob.Store(true)
		if s.State == StateAuthorized {
			c.publish(cn, StateActive, nil)
		}
		if c.onJob != nil {
			c.onJob(m, c.Session())
		}

	case *SetDifficulty:
		c.publish(cn, -1, func(s *Session) {
			s.Difficulty = m.Difficulty
		})
		if c.onDifficulty != nil {
			c.onDifficulty(m.Difficulty, c.Session())
		}

	case *SetExtranonce:
		if m.Extranonce2Size < 1 || m.Extranonce2Size > 8 || !util.IsValidHex(m.Extranonce1) {
			c.log.Warnf("Ignoring invalid %s: %q/%d", MethodSetExtranonce, m.Extranonce1, m.Extranonce2Size)
			return
		}
		c.publish(cn, -1, func(s *Session) {
			s.Extranonce1 = m.Extranonce1
			s.Extranonce2Size = m.Extranonce2Size
		})

	case *Reconnect:
		c.handleReconnect(cn, m)

	case *ShowMessage:
		c.log.Infof("Pool message: %s", m.Text)
		if c.onMessage != nil {
			c.onMessage(m.Text, c.Session())
		}
	}
}

// handleReconnect honours client.reconnect. Redirects are only followed to
// the same host; anything else reconnects to the current endpoint.
func (c *Client) handleReconnect(cn *Connection, m *Reconnect) {
	target := cn.endpoint
	host, port, _ := net.SplitHostPort(target.Host)
	if m.Host != "" && m.Host != host {
		c.log.Warnf("Ignoring reconnect redirect to foreign host %s", m.Host)
	} else if m.Port > 0 {
		port = strconv.Itoa(m.Port)
	}
	target.Host = net.JoinHostPort(host, port)
	if target.Host != cn.endpoint.Host {
		scheme := "stratum+tcp://"
		if target.TLS {
			scheme = "stratum+ssl://"
		}
		target.URL = scheme + target.Host
	}

	wait := time.Duration(m.Wait) * time.Second
	if wait > 5*time.Minute {
		wait = 5 * time.Minute
	}
	c.redirect.Store(&target)
	c.redirectWait.Store(int64(wait))
	c.drop(cn, errPoolReconnect)
}

// publish applies mutate to a copy of the session and swaps it in. With a
// non-nil cn the update is discarded unless cn is still the live connection.
// state < 0 keeps the current state.
func (c *Client) publish(cn *Connection, state State, mutate func(*Session)) {
	c.mu.Lock()
	if cn != nil && c.live.Load() != cn {
		c.mu.Unlock()
		return
	}
	old := c.session.Load()
	if old.State == StateClosed && state != StateClosed {
		c.mu.Unlock()
		return
	}
	next := *old
	if mutate != nil {
		mutate(&next)
	}
	if state >= 0 {
		next.State = state
	}
	c.session.Store(&next)

	stateChanged := old.State != next.State
	if stateChanged {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	sessionChanged := old.ConnID != next.ConnID ||
		old.Extranonce1 != next.Extranonce1 ||
		old.Extranonce2Size != next.Extranonce2Size ||
		old.SubscriptionID != next.SubscriptionID

	// Callbacks run in publish order
	c.cbMu.Lock()
	c.mu.Unlock()
	defer c.cbMu.Unlock()

	if stateChanged {
		c.log.Debugf("State %s -> %s", old.State, next.State)
		if c.onState != nil {
			c.onState(old.State, next.State, next)
		}
	}
	if sessionChanged && next.Extranonce2Size > 0 && c.onSession != nil {
		c.onSession(next)
	}
}
