package rpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/netquery"
)

const (
	redisWorkerIndexKey  = "chainseq:workers:index"
	redisWorkerKeyPrefix = "chainseq:worker:"
	redisWriteTimeout    = 2 * time.Second
	redisWorkerTTL       = 5 * time.Minute
)

type workerState int

const (
	workerIdle workerState = iota
	workerBusy
)

type worker struct {
	id     string
	conn   net.Conn
	state  workerState
	sendCh chan wireMessage
}

// Server is a netquery.Dispatcher backed by real TCP connections to a
// pool of worker processes: each dispatched query is framed as a TASK
// message and handed to an idle worker; the worker's RESULT message is
// matched back to the waiting task by token.
type Server struct {
	log   logging.Logger
	redis *redis.Client

	mu       sync.Mutex
	workers  map[string]*worker
	nextIdle []string // round-robin queue of idle worker ids

	pending    map[netquery.Token]pendingCall
	unassigned []netquery.Token // dispatched but no worker was free yet

	listener net.Listener
}

type pendingCall struct {
	query      *chainrequest.Request
	onComplete netquery.Callback
}

// New constructs a Server. redisClient may be nil, in which case
// worker registration is skipped and the pool operates purely
// in-process.
func New(log logging.Logger, redisClient *redis.Client) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		log:     log,
		redis:   redisClient,
		workers: make(map[string]*worker),
		pending: make(map[netquery.Token]pendingCall),
	}
}

// Start opens the listening socket and accepts worker connections
// until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpctransport: listen: %w", err)
	}
	s.listener = ln
	s.log.Info(ctx, "rpctransport listening", logging.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warn(ctx, "accept failed", logging.Err(err))
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	msg, err := readMessage(conn)
	if err != nil || msg.Type != msgHello {
		s.log.Warn(ctx, "worker connection did not open with HELLO", logging.Err(err))
		return
	}
	var hello helloPayload
	if err := unmarshalHello(msg.Data, &hello); err != nil {
		s.log.Warn(ctx, "malformed HELLO frame", logging.Err(err))
		return
	}
	if hello.WorkerID == "" {
		hello.WorkerID = uuid.NewString()
	}

	w := &worker{id: hello.WorkerID, conn: conn, state: workerIdle, sendCh: make(chan wireMessage, 16)}
	s.mu.Lock()
	s.workers[w.id] = w
	s.nextIdle = append(s.nextIdle, w.id)
	s.mu.Unlock()

	s.registerWorkerInRedis(hello.WorkerID, hello.Concurrency, conn.RemoteAddr().String())

	ackData, _ := marshalPayload(ackPayload{WorkerID: w.id})
	writeMessage(conn, wireMessage{Type: msgAck, Data: ackData})

	s.log.Info(ctx, "worker registered", logging.String("worker_id", w.id))

	go s.writeLoop(w)
	s.readLoop(ctx, w)

	s.mu.Lock()
	delete(s.workers, w.id)
	s.mu.Unlock()
	close(w.sendCh)
}

func (s *Server) writeLoop(w *worker) {
	for msg := range w.sendCh {
		if err := writeMessage(w.conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, w *worker) {
	for {
		msg, err := readMessage(w.conn)
		if err != nil {
			return
		}
		if msg.Type != msgResult {
			continue
		}
		result, err := unmarshalResult(msg.Data)
		if err != nil {
			s.log.Warn(ctx, "malformed result frame", logging.Err(err), logging.String("worker_id", w.id))
			continue
		}
		s.completeResult(result)
		s.markIdle(w.id)
	}
}

// DispatchWithCallback implements netquery.Dispatcher: it assigns the
// query to the next idle worker, or queues the token unassigned if
// none is free yet, to be handed to the next worker that reports idle.
func (s *Server) DispatchWithCallback(query *chainrequest.Request, token netquery.Token, onComplete netquery.Callback) {
	s.mu.Lock()
	s.pending[token] = pendingCall{query: query, onComplete: onComplete}
	w := s.popIdleWorkerLocked()
	if w == nil {
		s.unassigned = append(s.unassigned, token)
	}
	s.mu.Unlock()

	if w != nil {
		s.sendTask(w, token, query.Label())
	}
}

func (s *Server) sendTask(w *worker, token netquery.Token, label string) {
	data, _ := marshalPayload(taskPayload{Token: uint64(token), Label: label})
	select {
	case w.sendCh <- wireMessage{Type: msgTask, Data: data}:
	default:
		s.log.Warn(context.Background(), "worker send queue full", logging.String("worker_id", w.id))
	}
}

func (s *Server) popIdleWorkerLocked() *worker {
	for len(s.nextIdle) > 0 {
		id := s.nextIdle[0]
		s.nextIdle = s.nextIdle[1:]
		if w, ok := s.workers[id]; ok && w.state == workerIdle {
			w.state = workerBusy
			return w
		}
	}
	return nil
}

// markIdle returns a worker to the idle pool and, if any query was
// left unassigned for lack of a free worker, immediately hands it the
// oldest one.
func (s *Server) markIdle(id string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	w.state = workerIdle
	s.nextIdle = append(s.nextIdle, id)

	var token netquery.Token
	var label string
	assigned := false
	if len(s.unassigned) > 0 {
		token = s.unassigned[0]
		s.unassigned = s.unassigned[1:]
		if call, ok := s.pending[token]; ok {
			label = call.query.Label()
			assigned = true
		}
	}
	var target *worker
	if assigned {
		target = s.popIdleWorkerLocked()
	}
	s.mu.Unlock()

	if target != nil {
		s.sendTask(target, token, label)
	}
}

func (s *Server) completeResult(result resultPayload) {
	token := netquery.Token(result.Token)
	s.mu.Lock()
	call, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if result.ErrorCode != 0 {
		call.query.SetError(result.ErrorCode, result.ErrorMessage)
	}
	if result.LastTimeout > 0 {
		call.query.SetLastTimeout(result.LastTimeout)
	}
	call.onComplete(token, call.query)
}

// PendingCount reports how many dispatched queries are awaiting a
// worker result, for introspection.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) registerWorkerInRedis(workerID string, concurrency int, addr string) {
	if s.redis == nil || workerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	fields := map[string]interface{}{
		"worker_id":   workerID,
		"concurrency": concurrency,
		"addr":        addr,
		"last_seen":   time.Now().UnixMilli(),
	}
	key := redisWorkerKeyPrefix + workerID
	if err := s.redis.HSet(ctx, key, fields).Err(); err != nil {
		s.log.Warn(ctx, "redis worker registration failed", logging.Err(err))
		return
	}
	if err := s.redis.SAdd(ctx, redisWorkerIndexKey, workerID).Err(); err != nil {
		s.log.Warn(ctx, "redis worker index failed", logging.Err(err))
		return
	}
	s.redis.Expire(ctx, key, redisWorkerTTL)
}
