// Package debug holds the optional introspection utilities enabled by the
// debugging config section.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartPprofServer serves the standard pprof handlers on their own port for
// the lifetime of the process.
func StartPprofServer(logger *logrus.Logger, port int) {
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Infof("pprof listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Errorf("pprof server exited: %v", err)
		}
	}()
}
