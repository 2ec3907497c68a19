package registry

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// listenAndServe binds address and serves handler in the background,
// blocking only until the listener is ready to accept. It returns the
// address actually bound (resolving a ":0" ephemeral port to the one the OS
// chose) alongside a shutdown function.
func listenAndServe(address string, handler http.Handler) (boundAddr string, shutdown func() error, err error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return "", nil, err
	}
	httpSrv := &http.Server{Handler: handler}
	go httpSrv.Serve(ln)
	return ln.Addr().String(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	}, nil
}

// wsURL builds the ws:// dial target for topic at a published master's
// listen address.
func wsURL(address, topic string) string {
	host := address
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + "/topics/" + topic
}
