// Command interposectl sends one command to an interpose control socket and
// prints the reply.
//
//	interposectl /resolve "A9 ?? 91"
//	interposectl -socket /tmp/game.sock /hooks
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	interpose "github.com/u2386/go-interpose"
)

func main() {
	socket := flag.String("socket", interpose.UDSAddress, "control socket path")
	timeout := flag.Duration("timeout", 5*time.Second, "reply timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: interposectl [-socket path] /command [args]")
		os.Exit(2)
	}

	reply, err := send(*socket, strings.Join(flag.Args(), " "), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "interposectl: %+v\n", err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimRight(reply, "\n"))
}

func send(socket, line string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("unix", socket, timeout)
	if err != nil {
		return "", errors.Wrap(err, "dial")
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return "", errors.Wrap(err, "send")
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", errors.Wrap(err, "read reply")
	}
	return string(reply), nil
}
