package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banhammer/banhammer/detection"
	"github.com/banhammer/banhammer/logger"
	"github.com/banhammer/banhammer/parser"

	"golang.org/x/sync/errgroup"
)

const (
	// entryQueueSize bounds the ingress queue between connection readers
	// and the single evaluation consumer.
	entryQueueSize = 1000

	// readIdleTimeout closes a node connection that has been silent; the
	// agent reconnects on its own.
	readIdleTimeout = 30 * time.Second

	// maxLineSize caps one framed log line
	maxLineSize = 64 * 1024
)

type inboundEntry struct {
	nodeName string
	entry    *parser.LogEntry
}

// TCPServer accepts framed access-log lines from node agents. Each line is
// "NODE_NAME|raw log line". Connections parse concurrently, but all parsed
// entries funnel through one bounded channel with a single consumer, so
// the detection engine sees a serialized stream.
type TCPServer struct {
	engine  *detection.Engine
	entries chan inboundEntry

	mu    sync.Mutex
	nodes map[string]int // node name -> live connection count
}

func NewTCPServer(engine *detection.Engine) *TCPServer {
	return &TCPServer{
		engine:  engine,
		entries: make(chan inboundEntry, entryQueueSize),
		nodes:   make(map[string]int),
	}
}

// Run listens on addr and serves until the context is canceled.
func (s *TCPServer) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.GetLogger().Info().Str("addr", addr).Msg("ingress listener started")
	return s.serve(ctx, listener)
}

func (s *TCPServer) serve(ctx context.Context, listener net.Listener) error {
	zlog := logger.GetLogger()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	// the single consumer serializes evaluation
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-s.entries:
				s.engine.HandleEntry(msg.entry, msg.nodeName)
			}
		}
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				zlog.Err(err).Msg("failed to accept connection")
				continue
			}
			go s.handleConn(ctx, conn)
		}
	})

	return group.Wait()
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	zlog := logger.GetLogger()
	remote := conn.RemoteAddr().String()
	zlog.Info().Str("remote", remote).Msg("agent connected")

	nodeName := ""
	defer func() {
		conn.Close()
		if nodeName != "" {
			s.dropNode(nodeName)
		}
		zlog.Info().Str("remote", remote).Str("node", nodeName).Msg("agent disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// frame format: NODE_NAME|raw log line, split on the first pipe
		name, rawLine, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}

		if name != nodeName {
			if nodeName != "" {
				s.dropNode(nodeName)
			}
			nodeName = name
			s.addNode(nodeName)
			zlog.Info().Str("node", nodeName).Str("remote", remote).Msg("node identified")
		}

		entry, err := parser.ParseLine(rawLine)
		if err != nil {
			// malformed lines are dropped, the stream carries plenty of
			// log noise that is not an accepted connection
			zlog.Debug().Str("node", nodeName).Msg("dropped unparsable log line")
			continue
		}

		select {
		case <-ctx.Done():
			return
		case s.entries <- inboundEntry{nodeName: nodeName, entry: entry}:
		}
	}
}

// ConnectedNodes returns the names of currently connected nodes, sorted.
func (s *TCPServer) ConnectedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]string, 0, len(s.nodes))
	for node := range s.nodes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

func (s *TCPServer) addNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[name]++
	logger.GetLogger().Info().Str("node", name).Int("connected", len(s.nodes)).Msg("node connected")
}

func (s *TCPServer) dropNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[name]--
	if s.nodes[name] <= 0 {
		delete(s.nodes, name)
	}
	logger.GetLogger().Info().Str("node", name).Int("connected", len(s.nodes)).Msg("node disconnected")
}
