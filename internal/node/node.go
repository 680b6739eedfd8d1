// Package node is the contract every process-level component with an admin
// surface satisfies.
package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Serve mounts n's router on addr until ctx is done, then shuts down
// gracefully.
func Serve(ctx context.Context, n Node, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           n.HTTPRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("kind", n.Kind()).Str("node", n.NodeID()).Str("addr", addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
