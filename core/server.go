package core

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
)

//go:embed static/ollama_tags.json
var ollamaTags []byte

//go:embed static/ollama_show.json
var ollamaShow []byte

// defaultCommandCount is how many results a command endpoint returns
// when the path carries no count segment.
const defaultCommandCount = 5

// Server is the HTTP front end: the chat completions proxy plus a few
// query and compatibility endpoints.
type Server struct {
	rsv    *Reservoir
	router *mux.Router
}

func NewServer(rsv *Reservoir) (s *Server) {
	s = &Server{rsv: rsv, router: mux.NewRouter()}
	s.routes()
	return
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/tags", s.handleTags).Methods(http.MethodGet)
	r.HandleFunc("/api/show", s.handleShow).Methods(http.MethodPost)
	r.HandleFunc("/echo", s.handleEcho).Methods(http.MethodPost)
	scopes := []string{
		"",
		"/partition/{partition}",
		"/partition/{partition}/instance/{instance}",
	}
	for _, base := range []string{"", "/v1"} {
		for _, scope := range scopes {
			p := base + scope
			r.HandleFunc(p+"/chat/completions", s.handleChat).Methods(http.MethodPost)
			r.HandleFunc(p+"/command/search/{count}", s.handleSearch).Methods(http.MethodGet)
			r.HandleFunc(p+"/command/search", s.handleSearch).Methods(http.MethodGet)
			r.HandleFunc(p+"/command/view/{count}", s.handleView).Methods(http.MethodGet)
			r.HandleFunc(p+"/command/view", s.handleView).Methods(http.MethodGet)
		}
	}
	// OpenAI SDKs append /chat/completions to a base URL that may
	// already end in /v1, so the version segment can land after the
	// partition scope.
	for _, scope := range scopes[1:] {
		r.HandleFunc(scope+"/v1/chat/completions", s.handleChat).Methods(http.MethodPost)
	}
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Printf("%s %s", r.Method, r.URL.Path)
	s.router.ServeHTTP(w, r)
}

// Serve listens on 127.0.0.1:<port> until the context is canceled or
// the process gets SIGINT or SIGTERM.
func (s *Server) Serve(ctx context.Context, port int) (err error) {
	defer Return(&err)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	srv := &http.Server{Addr: addr, Handler: s}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Printf("listening on http://%s", addr)
	select {
	case err = <-errc:
		Ck(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		Ck(err)
	}
	return
}

// pathScope returns the partition and instance for a request.  The
// partition defaults to "default" and the instance to the partition.
func pathScope(r *http.Request) (partition, instance string) {
	vars := mux.Vars(r)
	partition = vars["partition"]
	if partition == "" {
		partition = "default"
	}
	instance = vars["instance"]
	if instance == "" {
		instance = partition
	}
	return
}

// pathCount returns the trailing count segment of a command path.
func pathCount(r *http.Request) (count int) {
	count = defaultCommandCount
	if raw, ok := mux.Vars(r)["count"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	return
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	partition, instance := pathScope(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buf, err := s.rsv.HandleChat(partition, instance, body)
	if err != nil {
		log.Printf("error handling chat request: %v", err)
		status := http.StatusInternalServerError
		var bad *BadRequestError
		if errors.As(err, &bad) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	partition, instance := pathScope(r)
	count := pathCount(r)
	query := r.URL.Query()
	term := query.Get("term")
	if term == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing 'term' query parameter"))
		return
	}
	semantic := query.Get("semantic") == "true" || query.Get("semantic") == "1"
	var nodes []MessageNode
	var err error
	if semantic {
		var embedding []float64
		embedding, err = s.rsv.EmbedTextMean(term)
		if err == nil {
			nodes, err = s.rsv.store.SimilarMessages(embedding, partition, instance, client.RoleUser, count)
		}
	} else {
		nodes, err = s.rsv.SearchKeyword(term)
		if err == nil && len(nodes) > count {
			nodes = nodes[:count]
		}
	}
	if err != nil {
		log.Printf("error executing search: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if nodes == nil {
		nodes = []MessageNode{}
	}
	writeJSON(w, nodes)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	partition, instance := pathScope(r)
	count := pathCount(r)
	messages, err := s.rsv.View(partition, instance, count)
	if err != nil {
		log.Printf("error executing view: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []client.Message{}
	}
	writeJSON(w, messages)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(ollamaTags)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(ollamaShow)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	Fpf(w, "You said: %s", body)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// writeError sends an OpenAI-style error body so SDK clients can
// surface the message.
func writeError(w http.ResponseWriter, status int, err error) {
	var resp client.ErrorResponse
	resp.Error.Message = err.Error()
	buf, merr := json.Marshal(resp)
	if merr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}
