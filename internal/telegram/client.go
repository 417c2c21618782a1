package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrNotConfigured is returned when no bot token has been saved yet.
var ErrNotConfigured = errors.New("telegram bot token not configured")

// Chat describes the destination chat as returned by getChat.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Message is the subset of a Bot API message we care about.
type Message struct {
	MessageID int64 `json:"message_id"`
	Document  *struct {
		FileID   string `json:"file_id"`
		FileName string `json:"file_name"`
		FileSize int64  `json:"file_size"`
	} `json:"document"`
}

// apiEnvelope is the Bot API response wrapper.
type apiEnvelope struct {
	Ok          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Client is a Telegram Bot API client.
type Client struct {
	token   string
	apiBase string
	http    *resty.Client
}

// NewClient creates a Bot API client. Uploads of multi-gigabyte parts
// are slow, hence the generous timeout.
func NewClient(token string) *Client {
	return newClient(token, defaultAPIBase)
}

// NewClientWithBase creates a client against a custom API base URL,
// used by tests with httptest servers.
func NewClientWithBase(token, apiBase string) *Client {
	return newClient(token, apiBase)
}

func newClient(token, apiBase string) *Client {
	c := &Client{
		token:   token,
		apiBase: apiBase,
	}

	c.http = resty.New().
		SetTimeout(30 * time.Minute).
		SetRetryCount(0) // retries are handled per call with backoff, uploads must rebuild their body

	return c
}

// methodURL builds the Bot API method endpoint.
func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
}

// fileURL builds the file download endpoint for a getFile file_path.
func (c *Client) fileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, filePath)
}

// VerifyDestination checks that the bot can see the destination chat.
// Called as a pre-flight before any upload job is created.
func (c *Client) VerifyDestination(ctx context.Context, chatID string) (*Chat, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("chat_id", chatID).
		Get(c.methodURL("getChat"))
	if err != nil {
		return nil, fmt.Errorf("getChat: %w", err)
	}

	var chat Chat
	if err := decodeEnvelope(resp, &chat); err != nil {
		return nil, fmt.Errorf("destination %q: %w", chatID, err)
	}
	return &chat, nil
}

// SendDocument uploads a file to a chat and returns the resulting
// message. The whole send is retried with exponential backoff because a
// broken multipart stream cannot be resumed mid-flight.
func (c *Client) SendDocument(ctx context.Context, chatID, path, caption string, onProgress func(sent, total int64)) (*Message, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload file: %w", err)
	}
	total := info.Size()

	var msg Message
	op := func() error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open upload file: %w", err))
		}
		defer f.Close()

		reader := newProgressReader(f, total, onProgress)

		req := c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{"chat_id": chatID}).
			SetFileReader("document", filepath.Base(path), reader)
		if caption != "" {
			req.SetFormData(map[string]string{"caption": caption})
		}

		resp, err := req.Post(c.methodURL("sendDocument"))
		if err != nil {
			return fmt.Errorf("sendDocument: %w", err)
		}
		if err := decodeEnvelope(resp, &msg); err != nil {
			if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != 429 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, uploadBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return &msg, nil
}

// DownloadFile fetches a previously uploaded document into destPath.
func (c *Client) DownloadFile(ctx context.Context, fileID, destPath string, onProgress func(received, total int64)) error {
	if c.token == "" {
		return ErrNotConfigured
	}

	// Resolve the server-side file path first.
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("file_id", fileID).
		Get(c.methodURL("getFile"))
	if err != nil {
		return fmt.Errorf("getFile: %w", err)
	}

	var file struct {
		FilePath string `json:"file_path"`
		FileSize int64  `json:"file_size"`
	}
	if err := decodeEnvelope(resp, &file); err != nil {
		return fmt.Errorf("getFile %s: %w", fileID, err)
	}

	op := func() error {
		raw, err := c.http.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			Get(c.fileURL(file.FilePath))
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		body := raw.RawBody()
		defer body.Close()

		if raw.StatusCode() != 200 {
			return fmt.Errorf("download: unexpected status %d", raw.StatusCode())
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return backoff.Permanent(fmt.Errorf("create download dir: %w", err))
		}
		out, err := os.Create(destPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create download file: %w", err))
		}
		defer out.Close()

		reader := newProgressReader(body, file.FileSize, onProgress)
		if _, err := io.Copy(out, reader); err != nil {
			return fmt.Errorf("write download: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(op, uploadBackoff(ctx)); err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	return nil
}

// DeleteMessage removes a message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	if c.token == "" {
		return ErrNotConfigured
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"chat_id":    chatID,
			"message_id": strconv.FormatInt(messageID, 10),
		}).
		Post(c.methodURL("deleteMessage"))
	if err != nil {
		return fmt.Errorf("deleteMessage: %w", err)
	}

	var ok bool
	if err := decodeEnvelope(resp, &ok); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

// uploadBackoff caps retries at 3 attempts total.
func uploadBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}

// decodeEnvelope unwraps the {ok, result, description} Bot API shape.
func decodeEnvelope(resp *resty.Response, out any) error {
	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode(), err)
	}
	if !env.Ok {
		if env.Description != "" {
			return fmt.Errorf("telegram: %s", env.Description)
		}
		return fmt.Errorf("telegram: request failed with status %d", resp.StatusCode())
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
