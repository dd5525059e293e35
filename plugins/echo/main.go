// Command echo is a minimal plugin service used for manual testing. It
// binds the port assigned by the manager and echoes every line back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

func main() {
	port := flag.Int("port", 0, "port to listen on")
	flag.Parse()

	if *port == 0 {
		if v := os.Getenv("PLUGIN_PORT"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid PLUGIN_PORT %q: %v\n", v, err)
				os.Exit(2)
			}
			*port = p
		}
	}
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "no port assigned (use --port or PLUGIN_PORT)")
		os.Exit(2)
	}

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind port %d: %v\n", *port, err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		_ = l.Close()
		os.Exit(0)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(conn, scanner.Text()); err != nil {
			return
		}
	}
}
