package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"lanmedia/work/content"
	"lanmedia/work/profiles"
	"lanmedia/work/session"
	"lanmedia/work/utils"
)

// handleStream serves /stream/<id><suffix>. The session manager hands out a
// new or shared session and the response stays attached to it until either
// side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	client := clientID(r)
	signature := session.Signature(client, remoteHost(r))

	req, entry, err := s.content.StreamRequest(r.Context(), name, r.URL.Query(), signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logPath := utils.LogPath(s.opts.ObfuscatePaths, entry.Path)

	p, known := s.profiles.ProfileByToken(req.Token)
	if req.Token != "" && !known {
		s.writeError(w, r, profiles.ErrUnknownProfile)
		return
	}
	s.streamHeaders(w, p, entry.Type.IsImage())

	// HEAD only reports what a GET would deliver; it must not start a pipeline
	if r.Method == http.MethodHead {
		if p.Valid() {
			w.Header().Set("Content-Type", p.MimeType)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	sess, reused, err := s.sessions.Open(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", sess.MimeType())

	out, err := sess.Attach(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer out.Close()

	s.log.Info("{handlers/stream - handleStream} %s: streaming %s as %s (session %s, reused=%v)",
		client, logPath, sess.Profile(), sess.ID(), reused)

	err = out.Wait(r.Context())
	switch {
	case err == nil:
		s.log.Debug("{handlers/stream - handleStream} %s: stream of %s ended", client, logPath)
	case errors.Is(err, context.Canceled):
		s.log.Debug("{handlers/stream - handleStream} %s: client went away from %s", client, logPath)
	default:
		s.log.Warn("{handlers/stream - handleStream} %s: stream of %s stopped: %v", client, logPath, err)
	}
}

func (s *Server) streamHeaders(w http.ResponseWriter, p profiles.DeliveryProfile, image bool) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("contentFeatures.dlna.org", profiles.ContentFeatures(p, false))
	if image {
		h.Set("transferMode.dlna.org", "Interactive")
	} else {
		h.Set("transferMode.dlna.org", "Streaming")
	}
}

// handlePlaylist serves /playlist/<id>.m3u8.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	path, err := content.PathOf(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	if err := s.content.WritePlaylist(r.Context(), w, s.clientFor(r), path); err != nil {
		w.Header().Del("Content-Type")
		s.writeError(w, r, err)
	}
}
