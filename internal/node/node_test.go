package node

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type stubNode struct {
	router *gin.Engine
}

func (s stubNode) NodeID() string          { return "stub" }
func (s stubNode) Kind() string            { return "test" }
func (s stubNode) HTTPRouter() *gin.Engine { return s.router }

func TestServeStopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, stubNode{router: gin.New()}, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeReportsListenError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	err := Serve(context.Background(), stubNode{router: gin.New()}, "127.0.0.1:bad")
	require.Error(t, err)
}
