package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/service"
)

// Server represents the HTTP control surface of the recorder
type Server struct {
	service service.Service
	port    string
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status      string                    `json:"status"`
	Message     string                    `json:"message,omitempty"`
	EngineState string                    `json:"engine_state"`
	Session     *service.RecordingSession `json:"session,omitempty"`
	Output      OutputInfo                `json:"output"`
	Sources     []SourceInfo              `json:"sources"`
}

// OutputInfo tells where recordings go
type OutputInfo struct {
	Directory  string `json:"directory"`
	Experiment int    `json:"experiment"`
}

// SourceInfo contains information about a configured source
type SourceInfo struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	NodeID     int     `json:"node_id"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// ContainersResponse represents the JSON response for containers endpoint
type ContainersResponse struct {
	Containers      []service.ContainerInfo `json:"containers"`
	TotalCount      int                     `json:"total_count"`
	OutputDirectory string                  `json:"output_directory"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server around svc
func New(svc service.Service, port string) *Server {
	s := &Server{service: svc, port: port, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/acquisition/start", s.handleStartAcquisition)
	s.mux.HandleFunc("/api/acquisition/stop", s.handleStopAcquisition)
	s.mux.HandleFunc("/api/start", s.handleStartRecording)
	s.mux.HandleFunc("/api/stop", s.handleStopRecording)
	s.mux.HandleFunc("/api/reset", s.handleReset)
	s.mux.HandleFunc("/api/containers", s.handleContainers)
	s.mux.HandleFunc("/api/profile", s.handleSelectProfile)
	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting kwikrec control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	st := s.service.GetRecordingStatus()
	cfg := s.service.GetConfig()

	response := StatusResponse{
		Status:      string(st.Status),
		Message:     generateStatusMessage(st),
		EngineState: st.EngineState,
		Session:     st.Session,
		Output: OutputInfo{
			Directory:  cfg.Output.Directory,
			Experiment: cfg.Output.Experiment,
		},
		Sources: sourceInfos(cfg),
	}
	s.sendJSON(w, http.StatusOK, response)
}

func generateStatusMessage(st service.Status) string {
	switch st.Status {
	case service.StatusRecording:
		if st.Session != nil {
			return fmt.Sprintf("Recording #%d of experiment %d (%d samples)",
				st.Session.Recording, st.Session.Experiment, st.Stats.Samples)
		}
		return "Recording"
	case service.StatusAcquiring:
		return "Acquiring, not recording"
	case service.StatusError:
		return st.LastError
	default:
		return "Standby"
	}
}

func sourceInfos(cfg *config.Config) []SourceInfo {
	infos := make([]SourceInfo, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		infos = append(infos, SourceInfo{
			ID:         src.ID,
			Name:       src.Name,
			NodeID:     src.NodeID,
			SampleRate: src.SampleRate,
			Channels:   src.ChannelCount(),
		})
	}
	return infos
}

func (s *Server) handleStartAcquisition(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	// the loop outlives the request
	if err := s.service.StartAcquisition(context.Background()); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to start acquisition: %v", err),
			"operation", "start_acquisition")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Acquisition started"})
}

func (s *Server) handleStopAcquisition(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.StopAcquisition(r.Context()); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to stop acquisition: %v", err),
			"operation", "stop_acquisition")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Acquisition stopped"})
}

// handleStartRecording opens the next recording, starting the acquisition
// first when it is not running.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	if s.service.GetRecordingStatus().Status != service.StatusAcquiring {
		err := s.service.StartAcquisition(context.Background())
		if err != nil && !errors.Is(err, service.ErrAlreadyAcquiring) {
			s.sendErrorResponse(w, statusFor(err),
				fmt.Sprintf("Failed to start acquisition: %v", err),
				"operation", "start_recording")
			return
		}
	}

	session, err := s.service.StartRecording(r.Context())
	if session == nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}

	response := map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Recording #%d started", session.Recording),
		"session": session,
	}
	if err != nil {
		// partially opened or a hook failed; the recording runs
		response["warning"] = err.Error()
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleStopRecording stops the current recording session
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.StopRecording(r.Context()); err != nil {
		if errors.Is(err, service.ErrNotRecording) {
			s.sendErrorResponse(w, http.StatusConflict, err.Error(), "operation", "stop_recording")
			return
		}
		s.sendJSON(w, http.StatusOK, GenericResponse{
			Success: true,
			Message: "Recording stopped with errors",
			Error:   err.Error(),
		})
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopped"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.Reset(); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to reset: %v", err),
			"operation", "reset")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Engine reset"})
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	containers, err := s.service.ListContainers()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list containers: %v", err),
			"operation", "list_containers")
		return
	}
	if containers == nil {
		containers = []service.ContainerInfo{}
	}

	s.sendJSON(w, http.StatusOK, ContainersResponse{
		Containers:      containers,
		TotalCount:      len(containers),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleSelectProfile switches the configuration profile (POST form
// value "profile").
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "select_profile")
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}
	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
			"profile", profile, "operation", "select_profile")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' loaded", profile)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAlreadyAcquiring),
		errors.Is(err, service.ErrNotAcquiring),
		errors.Is(err, service.ErrRecording),
		errors.Is(err, service.ErrNotRecording):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	s.sendJSON(w, http.StatusMethodNotAllowed, GenericResponse{Success: false, Error: "Method not allowed"})
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// sendErrorResponse sends a standardized JSON error response and logs the error
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
