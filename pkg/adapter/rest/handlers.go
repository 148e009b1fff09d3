package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/provider"
)

// firstChunkSize is how much content is read before the response status is
// committed, so that a transfer failing up front still gets an error status.
const firstChunkSize = 32 * 1024

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CreateRequest is the body of POST /documents/{id}/children.
type CreateRequest struct {
	MimeType    string `json:"mime_type"`
	DisplayName string `json:"display_name"`
}

// CreateResponse is returned by POST /documents/{id}/children.
type CreateResponse struct {
	DocumentID string `json:"document_id"`
}

// DeviceResponse describes one open device in GET /devices.
type DeviceResponse struct {
	DeviceID    int        `json:"device_id"`
	DisplayName string     `json:"display_name"`
	Roots       []mtp.Root `json:"roots"`
}

// Handler returns the HTTP handler serving the document API.
//
// Routes:
//   - GET    /healthz
//   - GET    /roots
//   - GET    /devices
//   - POST   /devices/{id}/open
//   - POST   /devices/{id}/close
//   - GET    /documents/{id}
//   - DELETE /documents/{id}
//   - GET    /documents/{id}/children
//   - POST   /documents/{id}/children
//   - GET    /documents/{id}/content
//   - PUT    /documents/{id}/content
//   - GET    /documents/{id}/thumbnail
//   - GET    /events (server-sent events)
//
// Query endpoints accept ?projection=col1,col2 and, for children,
// ?sort=<column> [ASC|DESC].
func (a *RESTAdapter) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /roots", a.handleRoots)

	mux.HandleFunc("GET /devices", a.handleDevices)
	mux.HandleFunc("POST /devices/{id}/open", a.handleOpenDevice)
	mux.HandleFunc("POST /devices/{id}/close", a.handleCloseDevice)

	mux.HandleFunc("GET /documents/{id}", a.handleDocument)
	mux.HandleFunc("DELETE /documents/{id}", a.handleDelete)
	mux.HandleFunc("GET /documents/{id}/children", a.handleChildren)
	mux.HandleFunc("POST /documents/{id}/children", a.handleCreate)
	mux.HandleFunc("GET /documents/{id}/content", a.handleRead)
	mux.HandleFunc("PUT /documents/{id}/content", a.handleWrite)
	mux.HandleFunc("GET /documents/{id}/thumbnail", a.handleThumbnail)

	mux.HandleFunc("GET /events", a.handleEvents)

	return loggingMiddleware(mux)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

// statusFor maps provider and transport errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrInvalidArgument),
		errors.Is(err, provider.ErrUnsupportedMode):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotFound),
		errors.Is(err, mtp.ErrObjectNotFound),
		errors.Is(err, mtp.ErrDeviceNotFound),
		errors.Is(err, mtp.ErrDeviceNotOpen):
		return http.StatusNotFound
	case errors.Is(err, mtp.ErrDeviceAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, mtp.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode response: %v", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

func sendErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Warn("HTTP request failed: %v", err)
	}
	sendError(w, code, err.Error())
}

func projection(r *http.Request) []string {
	raw := r.URL.Query().Get("projection")
	if raw == "" {
		return nil
	}
	var cols []string
	for _, col := range strings.Split(raw, ",") {
		if col = strings.TrimSpace(col); col != "" {
			cols = append(cols, col)
		}
	}
	return cols
}

// ============================================================================
// Queries
// ============================================================================

func (a *RESTAdapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(a.provider.Devices()),
	})
}

func (a *RESTAdapter) handleRoots(w http.ResponseWriter, r *http.Request) {
	c, err := a.provider.QueryRoots(r.Context(), projection(r))
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

func (a *RESTAdapter) handleDocument(w http.ResponseWriter, r *http.Request) {
	c, err := a.provider.QueryDocument(r.Context(), r.PathValue("id"), projection(r))
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

func (a *RESTAdapter) handleChildren(w http.ResponseWriter, r *http.Request) {
	c, err := a.provider.QueryChildDocuments(r.Context(), r.PathValue("id"), projection(r), r.URL.Query().Get("sort"))
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// ============================================================================
// Devices
// ============================================================================

func (a *RESTAdapter) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.provider.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		roots := d.Roots
		if roots == nil {
			roots = []mtp.Root{}
		}
		out = append(out, DeviceResponse{
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			Roots:       roots,
		})
	}
	sendJSON(w, http.StatusOK, out)
}

func deviceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid device id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (a *RESTAdapter) handleOpenDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.provider.OpenDevice(r.Context(), id); err != nil {
		sendErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *RESTAdapter) handleCloseDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	if err := a.provider.CloseDevice(r.Context(), id); err != nil {
		sendErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Content
// ============================================================================

func (a *RESTAdapter) handleRead(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")

	// Resolve first so that the size is mirrored and unknown ids get 404.
	c, err := a.provider.QueryDocument(r.Context(), documentID, []string{mtp.ColumnMimeType})
	if err != nil {
		sendErr(w, err)
		return
	}
	contentType, _ := c.Value(0, mtp.ColumnMimeType).(string)

	h, err := a.provider.OpenRead(r.Context(), documentID)
	if err != nil {
		sendErr(w, err)
		return
	}
	a.stream(w, h, contentType)
}

func (a *RESTAdapter) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	h, err := a.provider.OpenDocumentThumbnail(r.Context(), r.PathValue("id"))
	if err != nil {
		sendErr(w, err)
		return
	}
	a.stream(w, h, "image/jpeg")
}

// stream copies a read handle to the response and closes it.
func (a *RESTAdapter) stream(w http.ResponseWriter, h io.ReadCloser, contentType string) {
	defer func() { _ = h.Close() }()

	buf := make([]byte, firstChunkSize)
	n, err := io.ReadFull(h, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		sendErr(w, err)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf[:n]); err != nil {
		return
	}
	if n < firstChunkSize {
		return
	}
	if _, err := io.Copy(w, h); err != nil {
		// Status is already committed; the client sees a truncated body.
		logger.Warn("Content transfer aborted: %v", err)
	}
}

func (a *RESTAdapter) handleWrite(w http.ResponseWriter, r *http.Request) {
	h, err := a.provider.OpenWrite(r.Context(), r.PathValue("id"))
	if err != nil {
		sendErr(w, err)
		return
	}

	if _, err := io.Copy(h, r.Body); err != nil {
		// A failed transfer also fails the copy; Abort returns its error.
		if err := h.Abort(err); err != nil {
			sendErr(w, err)
			return
		}
	}
	if err := h.Close(); err != nil {
		sendErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Mutations
// ============================================================================

func (a *RESTAdapter) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.provider.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		sendErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *RESTAdapter) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	documentID, err := a.provider.CreateDocument(r.Context(), r.PathValue("id"), req.MimeType, req.DisplayName)
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, CreateResponse{DocumentID: documentID})
}

// ============================================================================
// Events
// ============================================================================

// handleEvents streams change notifications as server-sent events. Each
// event is named "change" and carries a notify.Change as JSON.
func (a *RESTAdapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resolver := a.provider.Resolver()
	ch := resolver.Subscribe()
	defer resolver.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logger.Debug("Event stream opened: %s", r.RemoteAddr)
	_, _ = fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Event stream closed: %s", r.RemoteAddr)
			return
		case <-a.streams:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: change\nid: %d\ndata: %s\n\n", change.Seq, data)
			flusher.Flush()
		}
	}
}
