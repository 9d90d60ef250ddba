package handlers

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/valyala/fasthttp"
)

var hopByHopHeaders = []string{
	fiber.HeaderConnection,
	fiber.HeaderKeepAlive,
	fiber.HeaderProxyAuthenticate,
	fiber.HeaderProxyAuthorization,
	fiber.HeaderTE,
	fiber.HeaderTrailer,
	fiber.HeaderTransferEncoding,
	fiber.HeaderUpgrade,
}

type ProxyConfig struct {
	Target      string
	Prefix      string
	StripPrefix bool
	Timeout     time.Duration
	DialTimeout time.Duration
}

// ProxyHandler forwards everything under Prefix to the engine and streams the answer back.
type ProxyHandler struct {
	cfg    ProxyConfig
	target string
	client *fasthttp.Client
	logger *logger.Logger
}

func NewProxyHandler(cfg ProxyConfig, logger *logger.Logger) *ProxyHandler {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &ProxyHandler{
		cfg:    cfg,
		target: strings.TrimRight(cfg.Target, "/"),
		client: &fasthttp.Client{
			ReadTimeout:              cfg.Timeout,
			WriteTimeout:             cfg.Timeout,
			StreamResponseBody:       true,
			NoDefaultUserAgentHeader: true,
			DisablePathNormalizing:   true,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, dialTimeout)
			},
		},
		logger: logger,
	}
}

// Upstream maps an incoming request URI onto the engine.
func (h *ProxyHandler) Upstream(originalURL string) string {
	p := originalURL
	if h.cfg.StripPrefix {
		p = strings.TrimPrefix(p, h.cfg.Prefix)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return h.target + p
}

func (h *ProxyHandler) Forward(c *fiber.Ctx) error {
	upstream := h.Upstream(c.OriginalURL())

	for _, name := range hopByHopHeaders {
		c.Request().Header.Del(name)
	}

	if err := proxy.Do(c, upstream, h.client); err != nil {
		c.Response().Reset()
		h.logger.Warnw("proxy_upstream_failed", "method", c.Method(), "upstream", upstream, "error", err)
		if errors.Is(err, fasthttp.ErrTimeout) {
			return fmt.Errorf("%w: %v", domain.ErrEngineTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	for _, name := range hopByHopHeaders {
		if name == fiber.HeaderTransferEncoding {
			continue
		}
		c.Response().Header.Del(name)
	}
	return nil
}
