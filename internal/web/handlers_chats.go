package web

import (
	"net/http"
	"strings"

	"agenthub/internal/hub"
)

func (s *Server) handleChatCreate(w http.ResponseWriter, r *http.Request) {
	var req hub.ChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.hub.CreateChat(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleChatPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.hub.PatchChat(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	c, err := s.hub.StartChat(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleChatClose(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.CloseChat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (s *Server) handleChatRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := s.hub.RefreshContainer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleChatLaunchProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.hub.ChatLaunchProfile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleChatLogs(w http.ResponseWriter, r *http.Request) {
	tail, err := s.hub.ChatLogTail(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": string(tail)})
}

func (s *Server) handleArtifactsList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.hub.ListArtifacts(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// handleArtifactPublish accepts either a JSON body referencing a workspace
// path or a multipart upload that is staged first.
func (s *Server) handleArtifactPublish(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.publishUpload(w, r, chatID)
		return
	}

	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	art, err := s.hub.PublishChatArtifact(chatID, req.Path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) publishUpload(w http.ResponseWriter, r *http.Request, chatID string) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	staged, err := s.hub.StageChatUpload(chatID, name, file)
	if err != nil {
		writeError(w, err)
		return
	}
	art, err := s.hub.PublishChatArtifact(chatID, staged, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// handleArtifactServe streams the artifact file; download forces an
// attachment disposition, preview serves inline.
func (s *Server) handleArtifactServe(download bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, name, err := s.hub.ChatArtifactFile(r.PathValue("id"), r.PathValue("aid"))
		if err != nil {
			writeError(w, err)
			return
		}
		if download {
			w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		} else {
			w.Header().Set("Content-Disposition", "inline")
		}
		http.ServeFile(w, r, path)
	}
}
