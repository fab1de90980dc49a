package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tarun-kavipurapu/swarmlink/peer"
	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/swarm"
)

// NodeAPI is the part of *peer.Node the HTTP API drives.
type NodeAPI interface {
	Info() peer.Info
	Peers() []registry.Peer
	SendChat(ctx context.Context, peerID, text string) error
	Share(path string) (fileindex.SharedFile, error)
	LocalFiles() []fileindex.SharedFile
	Find(ctx context.Context, query string) ([]peer.RemoteFile, error)
	Download(ctx context.Context, fileID, dest string) (fileindex.SharedFile, error)
	Downloads() []peer.DownloadStatus
	CancelDownload(id string) error
	RemoveDownload(id string) error
}

type Server struct {
	node     NodeAPI
	gatherer prometheus.Gatherer
	router   *mux.Router
}

type chatRequest struct {
	PeerID string `json:"peer_id"`
	Text   string `json:"text"`
}

type shareRequest struct {
	Path string `json:"path"`
}

type downloadRequest struct {
	FileID string `json:"file_id"`
	Dest   string `json:"dest"`
}

type downloadResponse struct {
	File    fileindex.SharedFile `json:"file"`
	Missing []int                `json:"missing,omitempty"`
}

// New builds the router. gatherer backs /metrics; nil disables the route.
func New(node NodeAPI, gatherer prometheus.Gatherer) *Server {
	s := &Server{node: node, gatherer: gatherer, router: mux.NewRouter()}

	r := s.router
	r.Use(logRequests)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/node", s.info).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.peers).Methods(http.MethodGet)
	r.HandleFunc("/chat", s.chat).Methods(http.MethodPost)
	r.HandleFunc("/share", s.share).Methods(http.MethodPost)
	r.HandleFunc("/files/local", s.localFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/find", s.find).Methods(http.MethodGet)
	r.HandleFunc("/download", s.download).Methods(http.MethodPost)
	r.HandleFunc("/downloads", s.downloads).Methods(http.MethodGet)
	r.HandleFunc("/downloads/{id}/cancel", s.cancelDownload).Methods(http.MethodPost)
	r.HandleFunc("/downloads/{id}", s.removeDownload).Methods(http.MethodDelete)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:           s,
		Addr:              addr,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Sugar.Infof("[API] Listening on http://%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Info())
}

func (s *Server) peers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Peers())
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PeerID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("peer_id and text are required"))
		return
	}

	err := s.node.SendChat(r.Context(), req.PeerID, req.Text)
	switch {
	case errors.Is(err, registry.ErrPeerNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

func (s *Server) share(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	meta, err := s.node.Share(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) localFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.LocalFiles())
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	files, err := s.node.Find(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// download blocks until the file is complete or the swarm gives up.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, errors.New("file_id is required"))
		return
	}

	meta, err := s.node.Download(r.Context(), req.FileID, req.Dest)
	var incomplete *swarm.IncompleteError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, downloadResponse{File: meta})
	case errors.Is(err, swarm.ErrNoSeeders):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "missing": incomplete.Missing})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) downloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Downloads())
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	s.downloadAction(w, mux.Vars(r)["id"], s.node.CancelDownload, "cancelled")
}

// removeDownload cancels a running download and drops it from /downloads.
func (s *Server) removeDownload(w http.ResponseWriter, r *http.Request) {
	s.downloadAction(w, mux.Vars(r)["id"], s.node.RemoveDownload, "removed")
}

func (s *Server) downloadAction(w http.ResponseWriter, id string, action func(string) error, status string) {
	err := action(id)
	switch {
	case errors.Is(err, peer.ErrUnknownDownload):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Warnf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Sugar.Debugf("[API] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}
