package hiddenhost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/protocol"
	"github.com/postalsys/hostrelay/internal/resource"
	"github.com/postalsys/hostrelay/internal/transport"
)

// session is the state of one control channel connection.
type session struct {
	agent  *Agent
	link   *transport.RelayLink
	bulk   transport.BulkChannel
	hostID string
	logger *slog.Logger
}

// handle answers one GET from the relay.
func (s *session) handle(ctx context.Context, get *protocol.Get) {
	logger := s.logger.With(logging.KeyRequestID, get.RequestID)
	logger.Debug("request", logging.KeyPath, get.Path, logging.KeyRange, get.Range.String())

	res, err := s.agent.opts.Provider.Open(ctx, get.Path)
	if err != nil {
		code, msg := resource.Status(err)
		logger.Debug("resource unavailable", logging.KeyStatus, code, logging.KeyError, err)
		s.fail(ctx, logger, get.RequestID, code, msg)
		return
	}
	defer res.Close()

	start, end := int64(0), res.Size-1
	var delivered *protocol.Range
	if get.Range != nil {
		start, end, err = get.Range.Resolve(res.Size)
		if err != nil {
			code, msg := resource.Status(err)
			s.fail(ctx, logger, get.RequestID, code, msg)
			return
		}
		delivered = protocol.NewRange(start, end)
	}

	body := &countingReader{r: resource.Throttle(ctx, res.Section(start, end), s.agent.opts.UploadRate)}
	meta := &protocol.ConvertToStream{ID: get.RequestID, Range: delivered, Size: res.Size}

	switch s.agent.opts.Delivery {
	case DeliveryStream:
		err = s.streamDelivery(ctx, meta, body)
	default:
		err = s.uploadFile(ctx, meta, res.Name, body)
	}

	mode := s.agent.opts.Delivery
	if err != nil {
		s.agent.metrics.RecordDelivery(mode, "error", body.n)
		if ctx.Err() != nil {
			logger.Debug("delivery cancelled", logging.KeyBytes, body.n)
			return
		}
		logger.Warn("delivery failed", logging.KeyError, err, logging.KeyBytes, body.n)
		if body.n == 0 {
			// Nothing reached the client yet, so it can still get an answer.
			s.fail(ctx, logger, get.RequestID, http.StatusBadGateway, "delivery failed")
		}
		return
	}
	s.agent.metrics.RecordDelivery(mode, "ok", body.n)
	logger.Debug("delivered",
		logging.KeySize, humanize.IBytes(uint64(body.n)),
		logging.KeyMode, mode)
}

// fail reports an inline error completion.
func (s *session) fail(ctx context.Context, logger *slog.Logger, id uint64, code int, message string) {
	if ctx.Err() != nil {
		return
	}

	var err error
	switch s.agent.opts.Delivery {
	case DeliveryStream:
		// A cancelled write would tear down the shared control channel.
		err = s.link.Send(context.WithoutCancel(ctx), &protocol.Error{RequestID: id, Code: code, Message: message})
	default:
		err = s.postCommand(ctx, id, code, message)
	}

	mode := s.agent.opts.Delivery
	if err != nil {
		s.agent.metrics.RecordDelivery(mode, "error", 0)
		logger.Debug("error completion failed", logging.KeyError, err)
		return
	}
	s.agent.metrics.RecordDelivery(mode, "ok", 0)
}

// streamDelivery writes the body to a new stream on the bulk channel.
func (s *session) streamDelivery(ctx context.Context, meta *protocol.ConvertToStream, body io.Reader) error {
	conn, err := s.bulk.Open(ctx, meta)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.Copy(conn, body); err != nil {
		return fmt.Errorf("stream delivery: %w", err)
	}
	return nil
}

// postCommand sends an inline completion to POST /command.
func (s *session) postCommand(ctx context.Context, id uint64, code int, message string) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		fields := [][2]string{
			{"hostId", s.hostID},
			{"requestId", strconv.FormatUint(id, 10)},
			{"code", strconv.Itoa(code)},
			{"message", message},
		}
		for _, f := range fields {
			if err := mw.WriteField(f[0], f[1]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	return s.post(ctx, "command", mw.FormDataContentType(), pr)
}

// uploadFile streams the body to POST /file without buffering it.
func (s *session) uploadFile(ctx context.Context, meta *protocol.ConvertToStream, name string, body io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})

	go func() {
		defer close(written)
		fields := [][2]string{
			{"hostId", s.hostID},
			{"requestId", strconv.FormatUint(meta.ID, 10)},
			{"fileSize", strconv.FormatInt(meta.Size, 10)},
		}
		if meta.Range != nil {
			fields = append(fields, [2]string{"start", strconv.FormatInt(meta.Range.Start, 10)})
			if meta.Range.End != nil {
				fields = append(fields, [2]string{"end", strconv.FormatInt(*meta.Range.End, 10)})
			}
		}
		for _, f := range fields {
			if err := mw.WriteField(f[0], f[1]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}

		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(fw, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	err := s.post(ctx, "file", mw.FormDataContentType(), pr)
	// post closed pr, so the writer is unblocked; wait so body is no longer read.
	<-written
	return err
}

func (s *session) post(ctx context.Context, endpoint, contentType string, body *io.PipeReader) error {
	defer body.Close()

	base, err := transport.HTTPURL(s.agent.opts.RelayURL)
	if err != nil {
		return err
	}
	target, err := url.JoinPath(base, endpoint)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range s.agent.header {
		req.Header[k] = v
	}

	resp, err := s.agent.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone:
		return fmt.Errorf("/%s: request no longer pending", endpoint)
	default:
		return fmt.Errorf("/%s: relay answered %s", endpoint, resp.Status)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
