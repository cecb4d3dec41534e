package main

import (
	"flag"
	"os"

	evloop "github.com/fzft/go-evloop"
	"github.com/fzft/go-evloop/log"
	"go.uber.org/zap"
)

func main() {
	port := flag.Int("port", 3000, "listen port")
	file := flag.String("file", "", "listen on a UNIX-domain socket instead of TCP")
	flag.Parse()

	log.InitLogger()

	l := evloop.Default()
	err := l.Listen(evloop.ListenOptions{
		Port: *port,
		File: *file,
		Accept: func(lp *evloop.Loop, id string) {
			remote, _ := lp.RemoteInfo(id)
			log.Logger.Info("accepted", zap.String("id", id), zap.String("remote", remote.Address))

			var pending [][]byte
			lp.OnRead(id, func(lp *evloop.Loop, id string, data []byte) {
				buf := make([]byte, len(data))
				copy(buf, data)
				pending = append(pending, buf)
				lp.Writing(id)
			})
			lp.OnWrite(id, func(lp *evloop.Loop, id string) []byte {
				if len(pending) == 0 {
					lp.NotWriting(id)
					return nil
				}
				chunk := pending[0]
				pending = pending[1:]
				return chunk
			})
			lp.OnHangup(id, func(lp *evloop.Loop, id string) {
				log.Logger.Info("hangup", zap.String("id", id))
			})
			lp.OnError(id, func(lp *evloop.Loop, id string, err error) {
				log.Logger.Warn("connection error", zap.String("id", id), zap.Error(err))
			})
		},
	})
	if err != nil {
		log.Logger.Error("listen failed", zap.Error(err))
		os.Exit(1)
	}

	log.Logger.Info("echo server listening", zap.Int("port", *port))
	if err := l.Start(); err != nil {
		log.Logger.Error("loop failed", zap.Error(err))
		os.Exit(1)
	}
}
