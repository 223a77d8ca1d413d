package logging

import (
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

// startPprof serves the default mux (with pprof handlers) on addr.
func startPprof(addr string) {
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
