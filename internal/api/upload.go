package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
)

// UploadPhoto PUTs the photo bytes to the presigned URL in ticket. The
// request carries no bearer token and is tried once: callers fall back to
// the local file reference instead of blocking on a slow storage host.
func (c *Client) UploadPhoto(ctx context.Context, ticket *entities.UploadTicket, data []byte) (*entities.PhotoRef, error) {
	const op = "PUT upload"
	if ticket == nil || ticket.UploadURL == "" {
		return nil, apperr.Validationf(op, "upload ticket has no url")
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPut, ticket.UploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	contentType := ticket.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.FromTransport(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 300 {
		return nil, apperr.FromStatus(op, resp.StatusCode, fmt.Sprintf("storage answered %d", resp.StatusCode))
	}

	c.logger.WithField("storage_key", ticket.StorageKey).Debug("photo uploaded")
	return &entities.PhotoRef{StorageKey: ticket.StorageKey, URL: ticket.PublicURL}, nil
}
