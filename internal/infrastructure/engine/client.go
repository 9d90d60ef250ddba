package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/flowcanvas/companion/internal/config"
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const userAgent = "flowcanvas-companion"

// Client talks JSON to the engine's HTTP API.
type Client struct {
	cfg    config.EngineConfig
	base   string
	http   *fiber.Client
	logger *logger.Logger
}

var _ ports.EngineClient = (*Client)(nil)

func NewClient(cfg config.EngineConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	client := fiber.AcquireClient()
	client.UserAgent = userAgent
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   client,
		logger: log,
	}
}

func (c *Client) Close() {
	fiber.ReleaseClient(c.http)
}

type queuePromptResponse struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

func (c *Client) QueuePrompt(ctx context.Context, payload domain.TaskDescriptor) (*domain.TaskReceipt, error) {
	body, err := c.do(ctx, "queue_prompt", fiber.MethodPost, c.cfg.PromptPath, payload)
	if err != nil {
		return nil, err
	}

	var resp queuePromptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("queue_prompt: decode engine response: %w", err)
	}
	if resp.PromptID == "" {
		return nil, &domain.UpstreamRejectedError{Op: "queue_prompt", Status: fiber.StatusBadGateway, Body: body}
	}
	receipt := &domain.TaskReceipt{TaskID: resp.PromptID, Number: resp.Number}
	if len(resp.NodeErrors) > 0 {
		receipt.NodeErrors = resp.NodeErrors
	}
	return receipt, nil
}

func (c *Client) InstallExtension(ctx context.Context, target domain.InstallTarget) error {
	id := target.Name
	if id == "" {
		id = path.Base(strings.TrimSuffix(strings.TrimRight(target.Source, "/"), ".git"))
	}
	req := map[string]interface{}{
		"id":   id,
		"name": id,
		"url":  target.Source,
	}
	if strings.Contains(target.Source, "://") {
		req["files"] = []string{target.Source}
		req["install_type"] = "git-clone"
	}
	_, err := c.do(ctx, "install_extension", fiber.MethodPost, c.cfg.ExtensionInstallPath, req)
	return err
}

// ListExtensions returns the engine's installed extension list. Managers report either an
// array or an object keyed by extension name; the latter is flattened with the key as name.
func (c *Client) ListExtensions(ctx context.Context) ([]json.RawMessage, error) {
	body, err := c.do(ctx, "list_extensions", fiber.MethodGet, c.cfg.ExtensionsPath, nil)
	if err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var keyed map[string]map[string]interface{}
	if err := json.Unmarshal(body, &keyed); err != nil {
		return nil, fmt.Errorf("list_extensions: unexpected engine payload: %w", err)
	}
	list = make([]json.RawMessage, 0, len(keyed))
	for name, info := range keyed {
		if info == nil {
			info = map[string]interface{}{}
		}
		if _, ok := info["name"]; !ok {
			info["name"] = name
		}
		raw, err := json.Marshal(info)
		if err != nil {
			continue
		}
		list = append(list, raw)
	}
	return list, nil
}

func (c *Client) ListModelFolders(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, "list_model_folders", fiber.MethodGet, c.cfg.ModelsPath, nil)
	if err != nil {
		return nil, err
	}
	var folders []string
	if err := json.Unmarshal(body, &folders); err != nil {
		return nil, fmt.Errorf("list_model_folders: unexpected engine payload: %w", err)
	}
	return folders, nil
}

func (c *Client) ListModels(ctx context.Context, folder string) ([]json.RawMessage, error) {
	p := strings.TrimRight(c.cfg.ModelsPath, "/") + "/" + url.PathEscape(folder)
	body, err := c.do(ctx, "list_models", fiber.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("list_models: unexpected engine payload: %w", err)
	}
	return list, nil
}

// do performs one request without retries. Transport failures map to ErrEngineUnavailable
// or ErrEngineTimeout, non-2xx answers to UpstreamRejectedError.
func (c *Client) do(ctx context.Context, op, method, p string, payload interface{}) ([]byte, error) {
	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uri := c.base + p
	var agent *fiber.Agent
	switch method {
	case fiber.MethodPost:
		agent = c.http.Post(uri)
	default:
		agent = c.http.Get(uri)
	}
	if payload != nil {
		agent.JSON(payload)
	}
	if timeout > 0 {
		agent.Timeout(timeout)
	}

	start := time.Now()
	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Debugw("engine_request_failed", "op", op, "url", uri, "duration", time.Since(start), "error", err)
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrEngineTimeout, op, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEngineUnavailable, op, err)
	}

	c.logger.Debugw("engine_request", "op", op, "url", uri, "status", status, "duration", time.Since(start))
	if status < 200 || status >= 300 {
		return nil, &domain.UpstreamRejectedError{Op: op, Status: status, Body: body}
	}
	return body, nil
}
