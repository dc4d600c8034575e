package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"lanmedia/work/content"
	"lanmedia/work/utils"
)

// StatsResponse is the payload of /api/stats.
type StatsResponse struct {
	ServerName      string         `json:"serverName"`
	Uptime          string         `json:"uptime"`
	MemoryUsage     string         `json:"memoryUsage"`
	Goroutines      int            `json:"goroutines"`
	SystemUpdateID  uint32         `json:"systemUpdateId"`
	Sessions        int            `json:"sessions"`
	Outputs         int            `json:"outputs"`
	BytesStreamed   string         `json:"bytesStreamed"`
	Published       []string       `json:"published"`
	SessionsByState map[string]int `json:"sessionsByState"`
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", content.ErrInvalidArgs, name, v)
	}
	return n, nil
}

// handleBrowse serves /api/browse/{id}: the item itself when it is not a
// container, a page of its children otherwise.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	path, err := content.PathOf(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := queryInt(r, "start")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := queryInt(r, "count")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	client := s.clientFor(r)
	item, err := s.content.GetItem(r.Context(), client, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !item.Container {
		s.writeJSON(w, item)
		return
	}

	page, err := s.content.ListChildren(r.Context(), client, path, start, count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, page)
}

// handleSearch serves /api/search/{id}?q=<criteria>.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	path, err := content.PathOf(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := queryInt(r, "start")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := queryInt(r, "count")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.content.Search(r.Context(), s.clientFor(r), path, r.URL.Query().Get("q"), start, count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, page)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	if s.opts.ObfuscatePaths {
		for i := range infos {
			infos[i].Source = utils.ObfuscatePath(infos[i].Source)
		}
	}
	s.writeJSON(w, infos)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Close(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("{handlers/api - handleCloseSession} session %s closed on request", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublished(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"published": s.discovery.Published()})
}

// handleDiscovery serves /api/discovery/{st}. With search=true a fresh
// M-SEARCH is sent first and the response waits for the MX window.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	st := mux.Vars(r)["st"]

	nodes := s.discovery.QueryResults(st)
	if r.URL.Query().Get("search") == "true" {
		var err error
		nodes, err = s.discovery.Search(r.Context(), st)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, map[string]any{"serviceType": st, "nodes": nodes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		ServerName:      s.opts.FriendlyName,
		Uptime:          utils.FormatUptime(time.Since(s.started)),
		MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
		Goroutines:      runtime.NumGoroutine(),
		SystemUpdateID:  s.content.UpdateID(),
		Published:       s.discovery.Published(),
		SessionsByState: make(map[string]int),
	}

	var streamed int64
	for _, info := range s.sessions.List() {
		stats.Sessions++
		stats.Outputs += info.Outputs
		stats.SessionsByState[info.State]++
		streamed += info.Bytes
	}
	stats.BytesStreamed = utils.FormatBytes(streamed)

	s.writeJSON(w, stats)
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"level": s.log.GetLevel()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.log.SetLevel(req.Level)
	s.log.Info("{handlers/api - handleSetLogLevel} log level set to %s", s.log.GetLevel())
	s.writeJSON(w, map[string]string{"level": s.log.GetLevel()})
}
