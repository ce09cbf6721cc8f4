package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/protocol"
)

// CommandHeader carries the encoded Upload command when the request body is
// the file content itself.
const CommandHeader = "X-Fs-Command"

// maxCommandSize bounds the JSON body of a non-upload command.
const maxCommandSize = 16 << 20

// Handler serves the command protocol for client over HTTP.
//
// Every command is a POST. Uploads send the content as the body with the
// command in CommandHeader; every other command sends the JSON command as the
// body. Acks answer 204, results 200 with JSON or the raw byte range, and
// failures a JSON protocol.ErrorResponse with the status it maps to.
type Handler struct {
	client fs.Client
	logger *zap.Logger
}

// NewHandler wraps client. A nil logger disables logging.
func NewHandler(client fs.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{client: client, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if header := r.Header.Get(CommandHeader); header != "" {
		h.serveUpload(w, r, header)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	cmd, err := protocol.Decode(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.dispatch(w, r, cmd)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, cmd protocol.Command) {
	ctx := r.Context()
	switch c := cmd.(type) {
	case protocol.Download:
		h.serveDownload(w, r, c)
	case protocol.Copy:
		h.ack(w, h.client.Copy(ctx, c.Name, c.Target))
	case protocol.CopyAll:
		h.ack(w, h.client.CopyAll(ctx, c.SourceToTarget))
	case protocol.Move:
		h.ack(w, h.client.Move(ctx, c.Name, c.Target))
	case protocol.MoveAll:
		h.ack(w, h.client.MoveAll(ctx, c.SourceToTarget))
	case protocol.Delete:
		h.ack(w, h.client.Delete(ctx, c.Name))
	case protocol.DeleteAll:
		h.ack(w, h.client.DeleteAll(ctx, c.Names))
	case protocol.List:
		files, err := h.client.List(ctx, c.Glob)
		h.reply(w, protocol.ListResponse{Files: files}, err)
	case protocol.Inspect:
		meta, err := h.client.Info(ctx, c.Name)
		h.reply(w, protocol.InspectResponse{Metadata: meta}, err)
	case protocol.InspectAll:
		files, err := h.client.InfoAll(ctx, c.Names)
		h.reply(w, protocol.InspectAllResponse{Files: files}, err)
	case protocol.Ping:
		h.ack(w, h.client.Ping(ctx))
	default:
		// Upload without its header has no content to store.
		h.writeError(w, fmt.Errorf("%w: upload must carry its command in the %s header", protocol.ErrUnknownCommand, CommandHeader))
	}
}

func (h *Handler) serveUpload(w http.ResponseWriter, r *http.Request, header string) {
	cmd, err := protocol.Decode([]byte(header))
	if err != nil {
		h.writeError(w, err)
		return
	}
	upload, ok := cmd.(protocol.Upload)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: %s must carry an Upload command", protocol.ErrUnknownCommand, CommandHeader))
		return
	}

	sink, err := h.client.Upload(r.Context(), upload.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := io.Copy(sink, r.Body); err != nil {
		sink.Abort(err)
		h.logger.Warn("upload aborted", zap.String("file", upload.Name), zap.Error(err))
		h.writeError(w, err)
		return
	}
	h.ack(w, sink.Close())
}

func (h *Handler) serveDownload(w http.ResponseWriter, r *http.Request, c protocol.Download) {
	reader, err := h.client.Download(r.Context(), c.Name, c.Offset, c.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		// Headers are gone; the client sees a truncated body.
		h.logger.Warn("download interrupted", zap.String("file", c.Name), zap.Error(err))
	}
}

func (h *Handler) ack(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reply(w http.ResponseWriter, response any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp, status := protocol.NewErrorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("command failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
