package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarmlink/peer"
	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/swarm"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Info() peer.Info {
	return m.Called().Get(0).(peer.Info)
}

func (m *mockNode) Peers() []registry.Peer {
	return m.Called().Get(0).([]registry.Peer)
}

func (m *mockNode) SendChat(ctx context.Context, peerID, text string) error {
	return m.Called(peerID, text).Error(0)
}

func (m *mockNode) Share(path string) (fileindex.SharedFile, error) {
	args := m.Called(path)
	return args.Get(0).(fileindex.SharedFile), args.Error(1)
}

func (m *mockNode) LocalFiles() []fileindex.SharedFile {
	return m.Called().Get(0).([]fileindex.SharedFile)
}

func (m *mockNode) Find(ctx context.Context, query string) ([]peer.RemoteFile, error) {
	args := m.Called(query)
	return args.Get(0).([]peer.RemoteFile), args.Error(1)
}

func (m *mockNode) Download(ctx context.Context, fileID, dest string) (fileindex.SharedFile, error) {
	args := m.Called(fileID, dest)
	return args.Get(0).(fileindex.SharedFile), args.Error(1)
}

func (m *mockNode) Downloads() []peer.DownloadStatus {
	return m.Called().Get(0).([]peer.DownloadStatus)
}

func (m *mockNode) CancelDownload(id string) error {
	return m.Called(id).Error(0)
}

func (m *mockNode) RemoveDownload(id string) error {
	return m.Called(id).Error(0)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndNode(t *testing.T) {
	node := &mockNode{}
	node.On("Info").Return(peer.Info{ID: "p1", Name: "alice", TCPPort: 6001})
	s := New(node, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/node", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info peer.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, 6001, info.TCPPort)

	node.AssertExpectations(t)
}

func TestPeers(t *testing.T) {
	node := &mockNode{}
	node.On("Peers").Return([]registry.Peer{{ID: "p2", Name: "bob", IP: "10.0.0.2", Port: 6001}})
	s := New(node, nil)

	rec := do(t, s, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []registry.Peer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.2:6001", peers[0].Addr())
}

func TestChat(t *testing.T) {
	node := &mockNode{}
	node.On("SendChat", "p2", "hello").Return(nil)
	node.On("SendChat", "ghost", "hello").Return(registry.ErrPeerNotFound)
	node.On("SendChat", "p3", "hello").Return(errors.New("connection refused"))
	s := New(node, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/chat", `{"peer_id":"p2","text":"hello"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/chat", `{"peer_id":"ghost","text":"hello"}`).Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/chat", `{"peer_id":"p3","text":"hello"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/chat", `{"peer_id":"p2"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/chat", `not json`).Code)

	node.AssertNumberOfCalls(t, "SendChat", 3)
}

func TestShareAndLocalFiles(t *testing.T) {
	meta := fileindex.SharedFile{FileID: "abc", Name: "a.txt", Size: 3, PieceSize: 4, PieceCount: 1, PieceHashes: []string{"h"}}
	node := &mockNode{}
	node.On("Share", "/tmp/a.txt").Return(meta, nil)
	node.On("Share", "/missing").Return(fileindex.SharedFile{}, errors.New("failed to open file"))
	node.On("LocalFiles").Return([]fileindex.SharedFile{meta})
	s := New(node, nil)

	rec := do(t, s, http.MethodPost, "/share", `{"path":"/tmp/a.txt"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"abc"`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/share", `{"path":"/missing"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/share", `{}`).Code)

	rec = do(t, s, http.MethodGet, "/files/local", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"a.txt"`)
}

func TestFind(t *testing.T) {
	node := &mockNode{}
	node.On("Find", "movie").Return([]peer.RemoteFile{{Peers: []registry.Peer{{ID: "p2"}}}}, nil)
	node.On("Find", "boom").Return([]peer.RemoteFile(nil), context.DeadlineExceeded)
	s := New(node, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/files/find?query=movie", "").Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodGet, "/files/find?query=boom", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/files/find", "").Code)
}

func TestDownload(t *testing.T) {
	meta := fileindex.SharedFile{FileID: "abc", Name: "a.txt"}
	node := &mockNode{}
	node.On("Download", "abc", "").Return(meta, nil)
	node.On("Download", "none", "").Return(fileindex.SharedFile{}, swarm.ErrNoSeeders)
	node.On("Download", "part", "/tmp/x").Return(fileindex.SharedFile{},
		&swarm.IncompleteError{FileID: "part", Missing: []int{1, 4}, Err: errors.New("hash mismatch")})
	s := New(node, nil)

	rec := do(t, s, http.MethodPost, "/download", `{"file_id":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"abc"`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/download", `{"file_id":"none"}`).Code)

	rec = do(t, s, http.MethodPost, "/download", `{"file_id":"part","dest":"/tmp/x"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body struct {
		Missing []int `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int{1, 4}, body.Missing)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/download", `{}`).Code)
}

func TestCancelAndRemoveDownload(t *testing.T) {
	unknown := fmt.Errorf("%w: zzz", peer.ErrUnknownDownload)
	node := &mockNode{}
	node.On("CancelDownload", "j1").Return(nil)
	node.On("CancelDownload", "zzz").Return(unknown)
	node.On("RemoveDownload", "j1").Return(nil)
	node.On("RemoveDownload", "zzz").Return(unknown)
	s := New(node, nil)

	rec := do(t, s, http.MethodPost, "/downloads/j1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/downloads/zzz/cancel", "").Code)

	rec = do(t, s, http.MethodDelete, "/downloads/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed"`)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/downloads/zzz", "").Code)

	node.AssertExpectations(t)
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(&mockNode{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/chat", "").Code)
}

func TestMetrics(t *testing.T) {
	m := monitor.New()
	m.PiecesServed.Inc()
	s := New(&mockNode{}, m.Registry)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swarmlink_server_pieces_served_total 1")
}
