package server

import (
	"net/http"
	"time"

	"github.com/sdrctf/challengectl/pkg/recording"
)

func (s *Server) handleRecordingStarted(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssignmentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent := agentFrom(r.Context())
	if err := s.coordinator.OnStarted(agent.ID, id, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

// handleRecordingCompleted accepts the waterfall image as a multipart
// upload alongside the capture metadata fields.
func (s *Server) handleRecordingCompleted(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssignmentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent := agentFrom(r.Context())
	now := time.Now().UTC()

	report := recording.CompletionReport{}

	// The image is optional; a receiver may complete metadata-only.
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		if file, header, err := r.FormFile("image"); err == nil {
			mediaType := header.Header.Get("Content-Type")
			if mediaType == "" {
				mediaType = "image/png"
			}
			artifact, err := s.artifacts.Put(file, header.Filename, mediaType, now)
			file.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			report.ImageHash = artifact.Hash
		}
		report.ImageWidth = formInt(r, "image_width")
		report.ImageHeight = formInt(r, "image_height")
		report.SampleRate = formInt(r, "sample_rate")
		report.DurationSec = formFloat(r, "duration_sec")
	}

	if err := s.coordinator.OnCompleted(agent.ID, id, report, now); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleRecordingFailed(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssignmentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Error string `json:"error,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent := agentFrom(r.Context())
	if err := s.coordinator.OnFailed(agent.ID, id, req.Error, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}
