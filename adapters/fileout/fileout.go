// Package fileout appends processed messages to local files, mainly for
// development and batch style integrations.
package fileout

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/fluxline/exchange"
)

func New(cfg exchange.FileConfig) *Handler {
	if cfg.Format == "" {
		cfg.Format = "jsonl"
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0o644
	}
	return &Handler{cfg: cfg}
}

type Handler struct {
	mu  sync.Mutex
	cfg exchange.FileConfig
}

var _ exchange.OutputHandler = (*Handler)(nil)

func (h *Handler) Handle(ctx context.Context, msg *exchange.Message, result *exchange.ProcessingResult, out exchange.Output) exchange.OutputResult {
	err := h.write(out.Destination, msg)
	if err != nil {
		return exchange.OutputFailure(exchange.HandlerTypeFile, out.Destination, "FILE_WRITE_ERROR", err.Error(), true)
	}
	or := exchange.OutputSuccess(exchange.HandlerTypeFile, out.Destination)
	or.MessageID = msg.MessageID
	return or
}

func (h *Handler) write(destination string, msg *exchange.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	path := destination
	if h.cfg.Directory != "" {
		path = filepath.Join(h.cfg.Directory, destination)
	}
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return errors.Wrap(err, "create output directory")
	}

	line, err := h.render(msg)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fs.FileMode(h.cfg.Permissions))
	if err != nil {
		return errors.Wrap(err, "open output file", j.KV("path", path))
	}
	defer f.Close()

	_, err = f.Write(line)
	if err != nil {
		return errors.Wrap(err, "write output file", j.KV("path", path))
	}
	return nil
}

func (h *Handler) render(msg *exchange.Message) ([]byte, error) {
	switch h.cfg.Format {
	case "json", "jsonl":
		b, err := exchange.Marshal(msg)
		if err != nil {
			return nil, errors.Wrap(err, "encode message")
		}
		return append(b, '\n'), nil
	case "text":
		return []byte(fmt.Sprintf("%s %s %s\n", msg.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), msg.MessageID, msg.Type)), nil
	default:
		return nil, errors.New("unsupported file format", j.KV("format", h.cfg.Format))
	}
}
