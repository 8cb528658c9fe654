package rec

import (
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/openirl/srtla-rec/proto"
)

type Config struct {
	// read buffer for a single datagram, defaults to the srtla MTU
	MaxRecvBuff int

	// SO_RCVBUF of the listener socket, large enough to absorb the
	// aggregate bitrate of all member links. Defaults to 32 MiB.
	RecvBufSize int

	// prefix of the per-group socket info files, the local port of
	// the group's upstream socket is appended
	SocketInfoPrefix string

	// per-packet debug logging
	Verbose bool

	Clock clock.Clock

	LogPath string
	logger  *slog.Logger
}

func (c *Config) init() *Config {
	if c.MaxRecvBuff <= 0 {
		c.MaxRecvBuff = proto.MTU
	}
	if c.RecvBufSize <= 0 {
		c.RecvBufSize = 32 * 1024 * 1024
	}
	if c.SocketInfoPrefix == "" {
		c.SocketInfoPrefix = "/tmp/srtla-group-"
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	var err error
	var fh *os.File
	if c.LogPath == "" {
		fh = os.Stdout
	} else {
		fh, err = os.OpenFile(c.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
		if err != nil {
			panic(err)
		}
	}
	opts := &slog.HandlerOptions{}
	if c.Verbose {
		opts.Level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewJSONHandler(fh, opts))
	return c
}
