// Package stratumtest provides an in-process Stratum v1 pool for tests.
package stratumtest

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Request is a client request as received by the server
type Request struct {
	Conn   int           `json:"-"`
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Job is the parameter set of one mining.notify
type Job struct {
	ID        string
	PrevHash  string
	Coinb1    string
	Coinb2    string
	Branch    []string
	Version   string
	NBits     string
	NTime     string
	CleanJobs bool
}

// Params renders the job as mining.notify params
func (j Job) Params() []interface{} {
	branch := j.Branch
	if branch == nil {
		branch = []string{}
	}
	return []interface{}{j.ID, j.PrevHash, j.Coinb1, j.Coinb2, branch, j.Version, j.NBits, j.NTime, j.CleanJobs}
}

// SampleJob returns a well-formed job with the given id
func SampleJob(id string, clean bool) Job {
	return Job{
		ID:        id,
		PrevHash:  "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000",
		Coinb1:    "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008",
		Coinb2:    "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000",
		Branch:    []string{},
		Version:   "00000002",
		NBits:     "1c2ac4af",
		NTime:     "504e86b9",
		CleanJobs: clean,
	}
}

// Server is a fake pool. Zero-value hooks accept everything.
type Server struct {
	Extranonce1     string
	Extranonce2Size int

	// InitialDifficulty and InitialJob are sent right after the subscribe response
	InitialDifficulty float64
	InitialJob        *Job

	// AuthorizeFunc decides mining.authorize; nil accepts
	AuthorizeFunc func(user, password string) bool

	// SubmitFunc answers mining.submit; it returns the result and an optional
	// [code, message] error. nil accepts.
	SubmitFunc func(params []interface{}) (bool, []interface{})

	// Silent lists methods the server never answers
	Silent map[string]bool

	listener net.Listener

	mu       sync.Mutex
	conns    map[int]net.Conn
	connSeq  int
	requests []Request
	received chan Request

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer creates a server with extranonce defaults
func NewServer() *Server {
	return &Server{
		Extranonce1:     "ae6812eb4cd7735a302a8a9dd95cf71f",
		Extranonce2Size: 4,
		Silent:          make(map[string]bool),
		conns:           make(map[int]net.Conn),
		received:        make(chan Request, 1024),
		quit:            make(chan struct{}),
	}
}

// Start begins listening on a loopback port
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind fake pool: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// URL returns the stratum URL of the server
func (s *Server) URL() string {
	return "stratum+tcp://" + s.listener.Addr().String()
}

// Close shuts the server down
func (s *Server) Close() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every client connection, simulating a transport failure
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

// ConnectionCount returns how many connections were ever accepted
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connSeq
}

// Requests returns every request received so far
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsFor returns requests for one method
func (s *Server) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// WaitFor blocks until n requests of method have arrived in total
func (s *Server) WaitFor(method string, n int, timeout time.Duration) ([]Request, error) {
	deadline := time.After(timeout)
	for {
		if got := s.RequestsFor(method); len(got) >= n {
			return got, nil
		}
		select {
		case <-s.received:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return s.RequestsFor(method), fmt.Errorf("timed out waiting for %d %s requests", n, method)
		}
	}
}

// Notify sends mining.notify to every connection
func (s *Server) Notify(job Job) {
	s.Broadcast("mining.notify", job.Params())
}

// SetDifficulty sends mining.set_difficulty to every connection
func (s *Server) SetDifficulty(diff float64) {
	s.Broadcast("mining.set_difficulty", []interface{}{diff})
}

// Broadcast sends a notification to every connection
func (s *Server) Broadcast(method string, params []interface{}) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.send(c, map[string]interface{}{"id": nil, "method": method, "params": params})
	}
}

// SendRaw writes a raw line to every connection
func (s *Server) SendRaw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		c.Write([]byte(line + "\n"))
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				continue
			}
		}

		s.mu.Lock()
		s.connSeq++
		id := s.connSeq
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(id, conn)
	}
}

func (s *Server) handleConn(id int, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := sonic.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		req.Conn = id

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		select {
		case s.received <- req:
		default:
		}

		if s.Silent[req.Method] {
			continue
		}
		s.handleRequest(conn, &req)
	}
}

func (s *Server) handleRequest(conn net.Conn, req *Request) {
	switch req.Method {
	case "mining.subscribe":
		result := []interface{}{
			[][]string{
				{"mining.set_difficulty", "1"},
				{"mining.notify", "1"},
			},
			s.Extranonce1,
			s.Extranonce2Size,
		}
		s.sendResult(conn, req.ID, result)
		if s.InitialDifficulty > 0 {
			s.send(conn, map[string]interface{}{"id": nil, "method": "mining.set_difficulty", "params": []interface{}{s.InitialDifficulty}})
		}
		if s.InitialJob != nil {
			s.send(conn, map[string]interface{}{"id": nil, "method": "mining.notify", "params": s.InitialJob.Params()})
		}
	case "mining.authorize":
		user, _ := param(req.Params, 0)
		pass, _ := param(req.Params, 1)
		if s.AuthorizeFunc != nil && !s.AuthorizeFunc(user, pass) {
			s.sendError(conn, req.ID, false, []interface{}{24, "Unauthorized worker", nil})
			return
		}
		s.sendResult(conn, req.ID, true)
	case "mining.submit":
		if s.SubmitFunc != nil {
			ok, rpcErr := s.SubmitFunc(req.Params)
			if rpcErr != nil {
				s.sendError(conn, req.ID, ok, rpcErr)
				return
			}
			s.sendResult(conn, req.ID, ok)
			return
		}
		s.sendResult(conn, req.ID, true)
	case "mining.extranonce.subscribe":
		s.sendResult(conn, req.ID, true)
	default:
		s.sendError(conn, req.ID, nil, []interface{}{-32601, "Method not found", nil})
	}
}

func (s *Server) sendResult(conn net.Conn, id uint64, result interface{}) {
	s.send(conn, map[string]interface{}{"id": id, "result": result, "error": nil})
}

func (s *Server) sendError(conn net.Conn, id uint64, result interface{}, rpcErr []interface{}) {
	s.send(conn, map[string]interface{}{"id": id, "result": result, "error": rpcErr})
}

func (s *Server) send(conn net.Conn, msg interface{}) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write(append(data, '\n'))
}

func param(params []interface{}, i int) (string, bool) {
	if i >= len(params) {
		return "", false
	}
	v, ok := params[i].(string)
	return v, ok
}
