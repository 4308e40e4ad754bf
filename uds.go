package interpose

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"

	"github.com/drone/signal"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type uds struct {
	addr   string
	ip     *Interposer
	parser Parser
}

// Serve answers control commands on the configured unix socket until ctx is
// done or the process gets SIGINT or SIGTERM.
func (ip *Interposer) Serve(ctx context.Context) error {
	addr := ip.cfg.Socket
	if addr == "" {
		addr = UDSAddress
	}
	s := &uds{addr: addr, ip: ip, parser: LineParser()}
	return s.Run(ctx)
}

func (s *uds) Run(ctx context.Context) error {
	listener, err := net.Listen("unix", s.addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.ip.critical("serving", zap.String("socket", s.addr))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cleanup := func() {
		listener.Close()
		if _, err := os.Stat(s.addr); err == nil {
			if err := os.RemoveAll(s.addr); err != nil {
				s.ip.critical("unexpected error", zap.Error(err))
			}
		}
	}
	signal.WithContextFunc(ctx, func() { cancel() })

	var g errgroup.Group
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.ip.critical("unexpected error", zap.Error(err))
					cancel()
					return err
				}
				return nil
			}
			go s.serve(conn)
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		cleanup()
		return nil
	})
	return g.Wait()
}

func (s *uds) serve(conn net.Conn) {
	defer conn.Close()

	reader := textproto.NewReader(bufio.NewReader(conn))
	line, err := reader.ReadLine()
	if err != nil {
		s.ip.critical("read command", zap.Error(err))
		return
	}
	s.ip.debug("receive", zap.String("line", line))

	c, err := s.parser.Parse(line)
	if err != nil {
		io.WriteString(conn, fmt.Sprint("error: ", err))
		return
	}
	io.WriteString(conn, s.handle(c))
}

func (s *uds) handle(c *Command) string {
	switch c.Name {
	case "/echo":
		return c.Args[0]

	case "/resolve":
		addr, err := s.ip.ResolveIdentifier(c.Args[0])
		if err != nil {
			return fmt.Sprint("error: ", err)
		}
		return hex(addr)

	case "/hooks":
		return s.hooks()

	case "/unhook":
		target, err := parseAddr(c.Args[0])
		if err != nil {
			return fmt.Sprint("error: ", err)
		}
		detour, err := parseAddr(c.Args[1])
		if err != nil {
			return fmt.Sprint("error: ", err)
		}
		if !s.ip.Unregister(target, detour) {
			return "unknown"
		}
		return "ok"

	case "/unhookall":
		s.ip.UnregisterAll()
		return "ok"

	default:
		return fmt.Sprint("unknown:", c.Name)
	}
}

// hooks renders one line per target followed by its detours in call order.
func (s *uds) hooks() string {
	var b strings.Builder
	for _, c := range s.ip.Chains() {
		fmt.Fprintf(&b, "%s entry=%s origin=%s\n", hex(c.Target), hex(c.Entry), hex(c.Origin))
		for _, h := range c.Hooks {
			name, ok := s.ip.HookName(c.Target, h.Detour)
			if !ok {
				name = "-"
			}
			fmt.Fprintf(&b, "  %s %s %s next=%s\n", h.Priority, name, hex(h.Detour), hex(h.Next))
		}
	}
	if b.Len() == 0 {
		return "no hooks"
	}
	return b.String()
}
