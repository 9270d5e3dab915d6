// Package devserver serves the build output and tells connected browsers to reload after rebuilds.
package devserver

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"

	"github.com/ngld/assetsys/pkg/buildlog"
)

const (
	eventsPath = "/__livereload"
	clientPath = "/__livereload.js"
)

const clientScript = `(function () {
  var source = new EventSource("` + eventsPath + `");
  source.addEventListener("reload", function () {
    source.close();
    window.location.reload();
  });
})();
`

var scriptTag = []byte(`<script src="` + clientPath + `"></script>`)

// Server serves the files below Root and pushes reload events to every open page
type Server struct {
	Root    string
	Address string

	logger   *zerolog.Logger
	http     *http.Server
	listener net.Listener
	serveErr chan error

	lock    sync.Mutex
	clients map[chan struct{}]struct{}
	closing chan struct{}
}

// New creates a server for the build output in root. It doesn't listen until Start is called.
func New(ctx context.Context, root, address string) *Server {
	logger := buildlog.Log(ctx).With().Str("component", "devserver").Logger()

	return &Server{
		Root:    root,
		Address: address,
		logger:  &logger,
		clients: make(map[chan struct{}]struct{}),
		closing: make(chan struct{}),
	}
}

// Handler returns the complete middleware chain
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(eventsPath, s.handleEvents).Methods("GET")
	r.HandleFunc(clientPath, handleClient).Methods("GET")
	r.PathPrefix("/").HandlerFunc(s.handleStatic).Methods("GET", "HEAD")

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
		ReferrerPolicy:     "same-origin",
	})

	return sm.Handler(buildlog.MakeLogMiddleware(s.logger)(r))
}

// Start opens the listener and serves requests in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.Address)
	}

	s.listener = listener
	s.serveErr = make(chan error, 1)
	s.http = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no write timeout since event streams stay open
	}

	go func() {
		err := s.http.Serve(listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		s.serveErr <- err
	}()

	s.logger.Info().Msgf("Serving %s on http://%s", s.Root, listener.Addr())
	return nil
}

// Addr returns the address the server is listening on
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.Address
	}
	return s.listener.Addr().String()
}

// Stop disconnects all reload clients and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.lock.Lock()
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	s.lock.Unlock()

	if s.http == nil {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return eris.Wrap(err, "failed to stop the dev server")
	}
	return <-s.serveErr
}

// NotifyReload tells every connected page to reload
func (s *Server) NotifyReload() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for client := range s.clients {
		select {
		case client <- struct{}{}:
		default:
			// a reload is already queued for this client
		}
	}

	s.logger.Debug().Int("clients", len(s.clients)).Msg("Sent reload")
}

func (s *Server) subscribe() (chan struct{}, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	select {
	case <-s.closing:
		return nil, false
	default:
	}

	client := make(chan struct{}, 1)
	s.clients[client] = struct{}{}
	return client, true
}

func (s *Server) unsubscribe(client chan struct{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.clients, client)
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client, ok := s.subscribe()
	if !ok {
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(client)

	header := rw.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	fmt.Fprint(rw, "retry: 1000\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-client:
			fmt.Fprint(rw, "event: reload\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func handleClient(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Write([]byte(clientScript))
}

func (s *Server) handleStatic(rw http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	fpath := filepath.Join(s.Root, filepath.FromSlash(name))

	info, err := os.Stat(fpath)
	if err == nil && info.IsDir() {
		fpath = filepath.Join(fpath, "index.html")
		info, err = os.Stat(fpath)
	}

	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(rw, r)
			return
		}

		buildlog.Log(r.Context()).Error().Err(err).Str("path", fpath).Msg("Failed to read file")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	if !strings.HasSuffix(strings.ToLower(fpath), ".html") {
		http.ServeFile(rw, r, fpath)
		return
	}

	data, err := ioutil.ReadFile(fpath)
	if err != nil {
		buildlog.Log(r.Context()).Error().Err(err).Str("path", fpath).Msg("Failed to read file")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	data = InjectClient(data)
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(rw, r, info.Name(), info.ModTime(), bytes.NewReader(data))
}

// InjectClient inserts the reload script before the closing body tag or appends it if there is none
func InjectClient(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx == -1 {
		return append(append(page[:len(page):len(page)], scriptTag...), '\n')
	}

	result := make([]byte, 0, len(page)+len(scriptTag))
	result = append(result, page[:idx]...)
	result = append(result, scriptTag...)
	return append(result, page[idx:]...)
}
