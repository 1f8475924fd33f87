package agentserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/infrastructure/protocol"
	"github.com/betbot/omgate/internal/metrics"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/pkg/sigchan"
)

var sessionLog = logrus.WithField("component", "agent_session")

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer 出站队列超过上限
	ErrSlowConsumer = errors.New("slow consumer")
)

const writeTimeout = 10 * time.Second

// Session 一条 agent 连接
//
// Dispatch/Respond 只把编码好的帧放进出站队列，由 writeLoop 串行写出，
// 因此调用方（可能持有 OrderManager 的锁）永远不会被网络阻塞。
type Session struct {
	id       string
	conn     net.Conn
	remote   string
	maxQueue int

	mu         sync.Mutex
	agentID    string
	code       string
	endpoint   string
	registered bool
	queue      [][]byte
	closed     bool

	signal    *sigchan.Chan
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	requests  sync.WaitGroup
	writer    sync.WaitGroup
}

func newSession(parent context.Context, conn net.Conn, maxQueue int) *Session {
	ctx, cancel := context.WithCancel(parent)
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		remote:   remote,
		maxQueue: maxQueue,
		signal:   sigchan.New(),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Code 注册时声明的标的
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *Session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// bind 记录注册信息；已注册返回 false
func (s *Session) bind(agentID, code, endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return false
	}
	s.agentID, s.code, s.endpoint = agentID, code, endpoint
	s.registered = true
	return true
}

func (s *Session) unbind() {
	s.mu.Lock()
	s.agentID, s.code, s.endpoint = "", "", ""
	s.registered = false
	s.mu.Unlock()
}

// Dispatch 实现 ports.AgentSink：同步序列化，异步写出
func (s *Session) Dispatch(d *domain.Dispatch) error {
	frame, err := protocol.Encode(protocol.TypeDispatch, protocol.FromDispatch(d))
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// Respond 发送响应
func (s *Session) Respond(resp *protocol.ServerResponse) error {
	frame, err := protocol.Encode(protocol.TypeResponse, resp)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.maxQueue > 0 && len(s.queue) >= s.maxQueue {
		s.mu.Unlock()
		metrics.SlowConsumers.Add(1)
		sessionLog.Warnf("出站队列超过上限 %d，断开慢消费者: session=%s agent=%s", s.maxQueue, s.id, s.AgentID())
		s.Close()
		return ErrSlowConsumer
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	s.signal.Emit()
	return nil
}

// QueueLen 当前出站队列长度
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) startWriter() {
	s.writer.Add(1)
	go func() {
		defer s.writer.Done()
		s.writeLoop()
	}()
}

func (s *Session) writeLoop() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, frame := range batch {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(s.conn, frame); err != nil {
				sessionLog.Debugf("写出失败，关闭会话: session=%s %v", s.id, err)
				s.Close()
				return
			}
			metrics.FramesOut.Add(1)
		}

		select {
		case <-s.signal.C():
		case <-s.done:
			return
		}
	}
}

// Close 关闭连接（幂等）；未写出的帧被丢弃，可靠下发会在下次同步时重发
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		_ = s.conn.Close()
		if dropped > 0 {
			sessionLog.Debugf("会话关闭，丢弃未写出的帧 %d 个: session=%s", dropped, s.id)
		}
	})
}

// Done 会话关闭时关闭
func (s *Session) Done() <-chan struct{} { return s.done }

var _ ports.AgentSink = (*Session)(nil)
