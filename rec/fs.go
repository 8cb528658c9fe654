package rec

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lysShub/netkit/errorx"
)

// writeSocketInfoFile rewrites the per-group status file associating
// the upstream socket's local port with the member client addresses,
// one host per line. Observational only, never read back.
func (r *Receiver) writeSocketInfoFile(g *group) {
	if g.srt == nil {
		return
	}
	name := fmt.Sprintf("%s%d", r.config.SocketInfoPrefix, g.localPort())

	var b strings.Builder
	for _, addr := range g.clientAddrs() {
		b.WriteString(addr.String())
		b.WriteByte('\n')
	}

	if err := os.WriteFile(name, []byte(b.String()), 0o644); err != nil {
		r.config.logger.Warn("failed to write the socket info file",
			slog.String("file", name), errorx.Trace(err))
		return
	}

	r.config.logger.Debug("wrote socket info file",
		slog.Uint64("group", g.num), slog.String("file", name))
}

func (r *Receiver) removeSocketInfoFile(g *group) {
	if g.srt == nil {
		return
	}
	os.Remove(fmt.Sprintf("%s%d", r.config.SocketInfoPrefix, g.localPort()))
}
