package modules

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/server"
	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"
)

// execSession is one running command.  Client bytes are queued here by the stream handler, which must not
// block, and copied to the command's stdin by a writer goroutine.
type execSession struct {
	cancel  context.CancelFunc
	lock    sync.Mutex
	pending []byte
	closed  bool
	wake    chan struct{}
}

func newExecSession(cancel context.CancelFunc) *execSession {
	return &execSession{
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (s *execSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *execSession) push(data []byte) {
	s.lock.Lock()
	s.pending = append(s.pending, data...)
	s.lock.Unlock()
	s.signal()
}

// closeInput ends the command's stdin once the pending bytes are written
func (s *execSession) closeInput() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.signal()
}

func (s *execSession) take() ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	data := s.pending
	s.pending = nil
	return data, s.closed
}

func (s *execSession) writeLoop(ctx context.Context, stdin io.WriteCloser) {
	defer func() {
		_ = stdin.Close()
	}()
	for {
		data, closed := s.take()
		if len(data) > 0 {
			if _, err := stdin.Write(data); err != nil {
				log.Warnf("error writing to command stdin: %s", err)
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// execServer is a stream server that runs a command for each connection, with stdin carrying the client's
// bytes and stdout carrying the server's.
type execServer struct {
	*server.Stream
	ctx      context.Context
	hostname string
	args     []string
	sessions syncro.Map[proto.Socket, *execSession]
	wg       sync.WaitGroup
}

func newExecServer(ctx context.Context, hostname string, args []string) *execServer {
	e := &execServer{
		ctx:      ctx,
		hostname: hostname,
		args:     args,
		sessions: syncro.NewMap(make(map[proto.Socket]*execSession)),
	}
	e.Stream = server.NewStream(e)
	return e
}

// OnConnect starts a new command for the socket
func (e *execServer) OnConnect(h server.Header) {
	e.Stream.OnConnect(h)
	e.endSession(h.Socket)
	if e.ctx.Err() != nil {
		return
	}
	sCtx, cancel := context.WithCancel(e.ctx)
	sess := newExecSession(cancel)
	e.sessions.Set(h.Socket, sess)
	e.wg.Add(1)
	go e.runSession(sCtx, h.Socket, sess)
}

// OnDisconnect closes the command's stdin, leaving it to finish and exit
func (e *execServer) OnDisconnect(h server.Header) {
	e.Stream.OnDisconnect(h)
	e.endSession(h.Socket)
}

func (e *execServer) endSession(sock proto.Socket) {
	sess, ok := e.sessions.Get(sock)
	if !ok {
		return
	}
	e.sessions.Delete(sock)
	sess.closeInput()
}

// OnStreamData implements server.StreamHandler
func (e *execServer) OnStreamData(h server.Header, incoming *bytes.Buffer) {
	sess, ok := e.sessions.Get(h.Socket)
	if !ok {
		incoming.Reset()
		return
	}
	sess.push(incoming.Next(incoming.Len()))
}

// Wait blocks until every command started by this server has exited
func (e *execServer) Wait() {
	e.wg.Wait()
}

func (e *execServer) runSession(ctx context.Context, sock proto.Socket, sess *execSession) {
	defer e.wg.Done()
	defer sess.cancel()
	err := e.runCommand(ctx, sock, sess)
	if err != nil && ctx.Err() == nil {
		log.Warnf("%s command error: %s", e.hostname, err)
	}
}

func (e *execServer) runCommand(ctx context.Context, sock proto.Socket, sess *execSession) error {
	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	var stdout, stderr io.ReadCloser
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		return err
	}
	err = cmd.Start()
	if err != nil {
		return err
	}
	log.Debugf("%s started %s for socket %d", e.hostname, e.args[0], sock)
	wCtx, wCancel := context.WithCancel(ctx)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.writeLoop(wCtx, stdin)
	}()
	go func() {
		defer wg.Done()
		sr := bufio.NewReader(stderr)
		for {
			s, rerr := sr.ReadString('\n')
			if rerr != nil {
				return
			}
			log.Warnf("%s command error output: %s", e.hostname, s)
		}
	}()
	buf := make([]byte, 4096)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			e.Send(sock, buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	wCancel()
	wg.Wait()
	return cmd.Wait()
}

func newExecModule(ctx context.Context, params config.Params) ([]registry.Provider, error) {
	hosts, err := hostPatterns(params)
	if err != nil {
		return nil, err
	}
	var command string
	command, err = params.GetRequiredString("command")
	if err != nil {
		return nil, err
	}
	var args []string
	args, err = shlex.Split(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return []registry.Provider{&hostProvider{
		name:     "exec/" + args[0],
		patterns: hosts,
		create: func(hostname string) server.Server {
			return newExecServer(ctx, hostname, args)
		},
	}}, nil
}
