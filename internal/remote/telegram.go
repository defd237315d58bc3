package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"chunkrelay/internal/logging"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig holds configuration for one bot identity.
type TelegramConfig struct {
	Token          string // TELEGRAM_TOKENS entry
	ChatID         string // TELEGRAM_CHAT_ID - channel the documents are posted to
	APIURL         string // TELEGRAM_API_URL - optional, for a self-hosted Bot API server
	UploadTimeout  time.Duration
	ResolveTimeout time.Duration
}

// Telegram implements Host on the Telegram Bot API: documents are posted to a
// channel with sendDocument, and the returned file_id is resolved with getFile.
type Telegram struct {
	token   string
	chatID  string
	apiBase string

	upload  *http.Client
	resolve *retryablehttp.Client
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type telegramMessage struct {
	MessageID int `json:"message_id"`
	Document  *struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
	} `json:"document"`
}

type telegramFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// NewTelegram creates a client for one bot token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	apiBase := strings.TrimRight(cfg.APIURL, "/")
	if apiBase == "" {
		apiBase = telegramAPIBase
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}

	resolve := retryablehttp.NewClient()
	resolve.RetryMax = 3
	resolve.RetryWaitMin = 500 * time.Millisecond
	resolve.RetryWaitMax = 5 * time.Second
	resolve.HTTPClient.Timeout = cfg.ResolveTimeout
	resolve.Logger = logging.Telegram

	return &Telegram{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		apiBase: apiBase,
		upload:  &http.Client{Timeout: cfg.UploadTimeout},
		resolve: resolve,
	}, nil
}

// NewTelegramHosts builds one host per token, preserving order for failover.
func NewTelegramHosts(tokens []string, chatID, apiURL string, uploadTimeout, resolveTimeout time.Duration) ([]Host, error) {
	hosts := make([]Host, 0, len(tokens))
	for _, tok := range tokens {
		tg, err := NewTelegram(TelegramConfig{
			Token:          strings.TrimSpace(tok),
			ChatID:         chatID,
			APIURL:         apiURL,
			UploadTimeout:  uploadTimeout,
			ResolveTimeout: resolveTimeout,
		})
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, tg)
	}
	return hosts, nil
}

// Name returns the bot id part of the token; the secret part is never logged.
func (t *Telegram) Name() string {
	id, _, _ := strings.Cut(t.token, ":")
	return "telegram:" + id
}

func (t *Telegram) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, name)
}

func (t *Telegram) Upload(ctx context.Context, filename string, data io.Reader, size int64) (string, error) {
	logging.Telegram.Printf("%s: sending document %s (%d bytes)", t.Name(), filename, size)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeDocumentForm(mw, t.chatID, filename, data)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendDocument"), pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.upload.Do(req)
	if err != nil {
		pr.Close()
		logging.Telegram.Printf("%s: sendDocument failed for %s: %v", t.Name(), filename, err)
		return "", fmt.Errorf("sendDocument: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var msg telegramMessage
	if err := decodeTelegram(resp, "sendDocument", &msg); err != nil {
		logging.Telegram.Printf("%s: sendDocument rejected for %s: %v", t.Name(), filename, err)
		return "", err
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return "", fmt.Errorf("sendDocument: %w: response carries no document", ErrTransient)
	}

	logging.Telegram.Printf("%s: stored %s as message %d", t.Name(), filename, msg.MessageID)
	return msg.Document.FileID, nil
}

func writeDocumentForm(mw *multipart.Writer, chatID, filename string, data io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if err := mw.WriteField("disable_notification", "true"); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, data); err != nil {
		return err
	}
	return mw.Close()
}

func (t *Telegram) Resolve(ctx context.Context, handle string) (string, error) {
	endpoint := t.method("getFile") + "?file_id=" + url.QueryEscape(handle)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.resolve.Do(req)
	if err != nil {
		return "", fmt.Errorf("getFile: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var file telegramFile
	if err := decodeTelegram(resp, "getFile", &file); err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("getFile: %w: no file_path for handle", ErrNotFound)
	}

	return fmt.Sprintf("%s/file/bot%s/%s", t.apiBase, t.token, file.FilePath), nil
}

func decodeTelegram(resp *http.Response, op string, result any) error {
	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return APIError(op, resp.StatusCode, "")
		}
		return fmt.Errorf("%s: %w: malformed response: %v", op, ErrTransient, err)
	}
	if !tr.OK {
		status := tr.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		// getFile reports unknown file ids as a 400 with this description
		if status == http.StatusBadRequest && strings.Contains(strings.ToLower(tr.Description), "file") &&
			strings.Contains(strings.ToLower(tr.Description), "not found") {
			status = http.StatusNotFound
		}
		return APIError(op, status, tr.Description)
	}
	if err := json.Unmarshal(tr.Result, result); err != nil {
		return fmt.Errorf("%s: %w: malformed result: %v", op, ErrTransient, err)
	}
	return nil
}
