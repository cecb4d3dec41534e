package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	evloop "github.com/fzft/go-evloop"
	"github.com/fzft/go-evloop/log"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

const historyFile = ".evloop_cli_history"

// evloop-cli sends one line per round trip: each input line dials the
// target, writes the line, prints the reply and drops the connection. The
// loop stops on its own once the connection is gone, so every exchange is
// a complete Start run on this goroutine.
func main() {
	host := flag.String("h", "127.0.0.1", "target host")
	port := flag.Int("p", 3000, "target port")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	flag.Parse()

	log.InitLogger()

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			roundTrip(*host, *port, *useTLS, scanner.Text())
		}
		return
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := filepath.Join(os.Getenv("HOME"), historyFile)
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	prompt := fmt.Sprintf("%s:%d> ", *host, *port)
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			return
		}
		line.AppendHistory(input)
		roundTrip(*host, *port, *useTLS, input)
	}
}

func roundTrip(host string, port int, useTLS bool, payload string) {
	l := evloop.New(evloop.Options{})

	id, err := l.Connect(evloop.ConnectOptions{
		Host: host,
		Port: port,
		TLS:  useTLS,
		Connect: func(lp *evloop.Loop, id string) {
			lp.Writing(id)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return
	}

	out := []byte(payload + "\n")
	l.OnWrite(id, func(lp *evloop.Loop, id string) []byte {
		if out == nil {
			lp.NotWriting(id)
			return nil
		}
		chunk := out
		out = nil
		return chunk
	})
	l.OnRead(id, func(lp *evloop.Loop, id string, data []byte) {
		fmt.Print(string(data))
		lp.Drop(id)
	})
	l.OnError(id, func(lp *evloop.Loop, id string, err error) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	})
	l.OnHangup(id, func(lp *evloop.Loop, id string) {})

	if err := l.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "loop: %v\n", err)
	}
	l.Close()
}
