package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackResult carries the parameters of one OAuth redirect callback.
type CallbackResult struct {
	Code  string
	State string
	Error string
}

// CallbackServer is the local HTTP listener that receives the provider's
// redirect at the end of an authorization-code flow. It exists because a
// desktop process has no origin the provider could redirect into otherwise;
// flows that cannot use it fall back to manual paste of the callback URL.
type CallbackServer struct {
	server     *http.Server
	port       int
	resultChan chan *CallbackResult
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

// NewCallbackServer creates a callback server for the given port.
func NewCallbackServer(port int) *CallbackServer {
	return &CallbackServer{
		port:       port,
		resultChan: make(chan *CallbackResult, 1),
		errorChan:  make(chan error, 1),
	}
}

// Start begins listening. It fails fast when the port is taken so the caller
// can tell the user instead of waiting for a callback that cannot arrive.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("callback port %d unavailable: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("callback server failed: %w", errServe)
		}
	}()

	return nil
}

// Stop shuts the listener down gracefully.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	log.Debug("stopping OAuth callback server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// WaitForCallback blocks until the redirect arrives, an error occurs, or the
// timeout passes.
func (s *CallbackServer) WaitForCallback(timeout time.Duration) (*CallbackResult, error) {
	select {
	case result := <-s.resultChan:
		return result, nil
	case err := <-s.errorChan:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for OAuth callback")
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	result := &CallbackResult{
		Code:  query.Get("code"),
		State: query.Get("state"),
		Error: query.Get("error"),
	}

	switch {
	case result.Error != "":
		log.Errorf("OAuth callback returned error: %s", result.Error)
		http.Error(w, fmt.Sprintf("authorization failed: %s", result.Error), http.StatusBadRequest)
	case result.Code == "" || result.State == "":
		result.Error = "missing_parameters"
		http.Error(w, "callback is missing code or state", http.StatusBadRequest)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h2>Connected.</h2><p>You can close this window and return to the app.</p></body></html>"))
	}

	select {
	case s.resultChan <- result:
	default:
		log.Warn("OAuth callback result dropped: channel full")
	}
}
