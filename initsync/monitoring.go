package initsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

// ProgressPath is where the progress snapshot is served.
const ProgressPath = "/initialsync/progress"

// ProgressSource is anything that can report initial sync progress.
type ProgressSource interface {
	Progress() api.Progress
	State() api.State
}

// progressResponse is the progress snapshot plus the lifecycle state.
type progressResponse struct {
	State string `json:"state"`
	api.Progress
}

// ProgressServer serves progress snapshots over HTTP.
type ProgressServer struct {
	addr   string
	src    ProgressSource
	logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	wg  sync.WaitGroup
}

func NewProgressServer(addr string, src ProgressSource, log *slog.Logger) *ProgressServer {
	return &ProgressServer{addr: addr, src: src, logger: log}
}

// Handler routes GET ProgressPath to the progress snapshot.
func (ps *ProgressServer) Handler() http.Handler {
	router := httprouter.New()
	router.GET(ProgressPath, ps.handleProgress)
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	return router
}

func (ps *ProgressServer) handleProgress(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := progressResponse{
		State:    ps.src.State().String(),
		Progress: ps.src.Progress(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ps.logger.Warn("failed to encode initial sync progress", logger.ErrAttr(err))
		http.Error(w, "failed to encode progress", http.StatusInternalServerError)
	}
}

// Start listens on the configured address and serves in the background.
// It returns the address actually bound.
func (ps *ProgressServer) Start() (string, error) {
	ln, err := net.Listen("tcp", ps.addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{Handler: ps.Handler()}
	ps.mu.Lock()
	ps.srv = srv
	ps.mu.Unlock()

	ps.logger.Info("starting progress server", "addr", ln.Addr().String())
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			ps.logger.Error("progress server failed", logger.ErrAttr(err))
		}
	}()
	return ln.Addr().String(), nil
}

func (ps *ProgressServer) Stop(ctx context.Context) error {
	ps.mu.Lock()
	srv := ps.srv
	ps.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	ps.wg.Wait()
	return err
}
