// Command proxylite-echo round-trips a message through a proxy. With no
// address it spins up a loopback peer that speaks just enough of the
// protocol for the handshake and the echo, which makes it a quick smoke
// test of the whole client stack.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	proxylite "github.com/davidroman0O/proxylite"
	"github.com/davidroman0O/proxylite/internal/messages"
	"github.com/davidroman0O/proxylite/pkg/logs"
	_ "go.uber.org/automaxprocs"
)

func main() {
	address := flag.String("address", "", "proxy address to dial; empty starts a loopback echo peer")
	message := flag.String("message", "ping", "payload to round-trip")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := *address
	if addr == "" {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			fatal(err)
		}
		defer listener.Close()
		go serveEchoPeer(listener)
		addr = listener.Addr().String()
		logs.Info(ctx, "loopback echo peer listening", "address", addr)
	}

	client, err := proxylite.New(ctx, nil,
		proxylite.WithProxyAddresses(addr),
		proxylite.WithCallTimeout(5*time.Second),
	)
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	reply, err := client.Echo(ctx, []byte(*message))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("echo: %s\n", reply)
}

func fatal(err error) {
	logs.Error(context.Background(), "echo failed", "error", err)
	os.Exit(1)
}

// serveEchoPeer acknowledges every request and mirrors echo payloads.
func serveEchoPeer(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			reader := bufio.NewReader(conn)
			for {
				env, err := messages.ReadFrame(reader, messages.DefaultMaxFrameSize)
				if err != nil {
					return
				}
				if !env.Kind.IsRequest() {
					continue
				}
				reply := messages.NewReply(env)
				if env.Kind == messages.KindEchoRequest {
					reply.Payload = env.Payload
				}
				frame, err := reply.Encode()
				if err != nil {
					return
				}
				if _, err := conn.Write(frame); err != nil {
					return
				}
			}
		}(conn)
	}
}
