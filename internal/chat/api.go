package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/localserve/bookingcall/internal/signaling"
	"github.com/localserve/bookingcall/internal/util"
)

// API talks to the booking backend's HTTP surface for history and uploads.
// It satisfies HistorySource and Uploader.
type API struct {
	base   string
	client *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: util.DefaultFetchTimeout * 6},
	}
}

func (a *API) History(ctx context.Context, conversationID string) ([]signaling.MessagePayload, error) {
	endpoint := a.base + "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: %s", resp.Status)
	}

	var out []signaling.MessagePayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out, nil
}

// Upload streams r as a multipart "file" field.
func (a *API) Upload(ctx context.Context, name string, r io.Reader) (Upload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(fw, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/uploads", pr)
	if err != nil {
		_ = pr.Close()
		return Upload{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return Upload{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Upload{}, fmt.Errorf("upload: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var up Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return Upload{}, fmt.Errorf("decode upload response: %w", err)
	}
	if up.URL == "" {
		return Upload{}, fmt.Errorf("upload: empty url in response")
	}
	return up, nil
}
