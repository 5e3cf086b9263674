package memstore

import (
	"net/http"

	"github.com/vango-dev/docwire/pkg/transport"
)

// Handler upgrades each request to a WebSocket and serves it as a peer until
// the connection closes.
func (st *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.UpgradeWebSocket(w, r, st.wsConfig)
		if err != nil {
			st.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		if err := st.Serve(r.Context(), ws); err != nil {
			st.logger.Debug("peer ended", "remote", r.RemoteAddr, "error", err)
		}
	})
}
